package server

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/openinfer/modelfront/internal/config"
)

// maxAudioUpload bounds the multipart payload size (32 MiB).
const maxAudioUpload = 32 << 20

// TranscriptionsAPI handles POST /v1/audio/transcriptions (multipart).
func (s *Server) TranscriptionsAPI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		httpResponseError(w, fmt.Sprintf("invalid multipart form: %v", err), "invalid_request_error", "", http.StatusBadRequest)

		return
	}

	modelName := r.FormValue("model")

	model, ok := s.registry.GetModel(modelName)
	if !ok || !model.Has(config.CapAudio) {
		httpResponseError(w, fmt.Sprintf("model %q not found", modelName), "invalid_request_error", "model_not_found", http.StatusBadRequest)

		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		httpResponseError(w, "file is required", "invalid_request_error", "", http.StatusBadRequest)

		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxAudioUpload))
	if err != nil {
		httpResponseError(w, fmt.Sprintf("read upload: %v", err), "invalid_request_error", "", http.StatusBadRequest)

		return
	}
	if len(raw) == 0 {
		httpResponseError(w, "file is empty", "invalid_request_error", "", http.StatusBadRequest)

		return
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(encoded, raw)

	text, err := s.transcribe(r.Context(), model.Addr(), modelName, encoded)
	if err != nil {
		slog.Error("transcription failed", "model", modelName, "error", err)
		httpResponseError(w, fmt.Sprintf("backend error: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}

	requestID := requestIDFrom(r)
	promptTokens := s.countTokens(r.Context(), model.Addr(), text)
	s.recordUsageWithCount(r, "audio", modelName, requestID, promptTokens, 1)

	httpResponseJSON(w, TranscriptionResponse{Text: text}, http.StatusOK)
}
