package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openinfer/modelfront/internal/backend"
	"github.com/openinfer/modelfront/internal/config"
)

// streamChat handles a streaming chat completion over SSE. Streaming always
// runs a single generation; choice.index is 0.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *ChatCompletionRequest, model config.ModelConfig, params backend.ChatParams, baseSeed uint64, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpResponseError(w, "streaming not supported by this server", "server_error", "", http.StatusInternalServerError)

		return
	}

	requestID := requestIDFrom(r)
	params.Seed = baseSeed

	streamCtx, cancel := context.WithTimeout(r.Context(), backend.CollectTimeout)
	defer cancel()

	stream, err := s.openStream(streamCtx, model.Addr(), req.Model, requestID, params)
	if err != nil {
		slog.Error("open backend stream failed", "model", req.Model, "error", err)
		httpResponseError(w, fmt.Sprintf("backend error: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}
	defer stream.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	chatID := generateChatID()
	created := time.Now().Unix()

	// Header event: empty choices, id and model only.
	writeSSEChunk(w, flusher, ChatCompletionChunk{
		ID:      chatID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []ChunkChoice{},
	})

	finish := ""
	disconnected := false

	for {
		piece, err := stream.Recv(streamCtx)
		if errors.Is(err, io.EOF) {
			finish = stream.FinishReason()

			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Client went away; nothing more to write.
				disconnected = true

				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				finish = backend.FinishLength

				break
			}

			// Backend errors mid-stream cannot turn into an HTTP status
			// anymore; close out with a terminal length event.
			slog.Error("stream receive failed", "model", req.Model, "request_id", requestID, "error", err)
			finish = backend.FinishLength

			break
		}

		writeSSEChunk(w, flusher, ChatCompletionChunk{
			ID:      chatID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []ChunkChoice{{
				Index: 0,
				Delta: ChunkDelta{Role: "assistant", Content: piece},
			}},
		})
	}

	if disconnected {
		return
	}

	parallelTools := req.ParallelToolCalls == nil || *req.ParallelToolCalls

	calls, _, found := extractToolCalls(stream.Accumulated(), parallelTools)
	if found {
		finish = "tool_calls"
	}

	promptTokens := stream.PromptTokens()
	if promptTokens == 0 {
		promptTokens = s.countTokens(r.Context(), model.Addr(), prompt)
	}

	completionTokens := stream.CompletionTokens()
	for _, call := range calls {
		// Streaming uses the estimate for tool-call cost to avoid extra
		// counter round-trips mid-stream.
		completionTokens += backend.Estimate(
			fmt.Sprintf(`{"name":%q,"arguments":%s}`, call.Function.Name, call.Function.Arguments))
	}

	usage := &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}

	// Final event: tool calls, finish reason, and the only usage object of
	// the stream.
	writeSSEChunk(w, flusher, ChatCompletionChunk{
		ID:      chatID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        ChunkDelta{ToolCalls: calls},
			FinishReason: &finish,
		}},
		Usage: usage,
	})

	// End the stream
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	s.recordUsage(r, "chat-stream", req.Model, requestID, promptTokens, completionTokens, map[string]any{
		"finish_reason": finish,
	})
}

// writeSSEChunk writes a single SSE data line with the JSON-encoded chunk.
func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, chunk ChatCompletionChunk) {
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
