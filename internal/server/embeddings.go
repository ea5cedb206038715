package server

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/openinfer/modelfront/internal/config"
)

// EmbeddingsAPI handles POST /v1/embeddings.
func (s *Server) EmbeddingsAPI(w http.ResponseWriter, r *http.Request) {
	var req EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponseError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", "", http.StatusBadRequest)

		return
	}

	if len(req.Input) == 0 {
		httpResponseError(w, "input is required", "invalid_request_error", "", http.StatusBadRequest)

		return
	}
	for _, in := range req.Input {
		if in == "" {
			httpResponseError(w, "input entries must be non-empty", "invalid_request_error", "", http.StatusBadRequest)

			return
		}
	}

	model, ok := s.registry.GetModel(req.Model)
	if !ok || !model.Has(config.CapEmbedding) {
		httpResponseError(w, fmt.Sprintf("model %q not found", req.Model), "invalid_request_error", "model_not_found", http.StatusBadRequest)

		return
	}

	result, err := s.embed(r.Context(), model.Addr(), req.Model, req.Input)
	if err != nil {
		slog.Error("embeddings call failed", "model", req.Model, "error", err)
		httpResponseError(w, fmt.Sprintf("backend error: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}

	data := make([]EmbeddingData, 0, len(result.Vectors))
	for i, vec := range result.Vectors {
		var embedding any = vec
		if req.EncodingFormat == "base64" {
			embedding = encodeFloats(vec)
		}

		data = append(data, EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: embedding,
		})
	}

	promptTokens := result.PromptTokens
	if promptTokens == 0 {
		promptTokens = s.countTokens(r.Context(), model.Addr(), req.Input...)
	}

	requestID := requestIDFrom(r)
	s.recordUsageWithCount(r, "embeddings", req.Model, requestID, promptTokens, len(req.Input))

	httpResponseJSON(w, EmbeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage: EmbeddingsUsage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
	}, http.StatusOK)
}

// encodeFloats serializes a vector as base64 little-endian float32 bytes.
func encodeFloats(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return base64.StdEncoding.EncodeToString(buf)
}
