package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/openinfer/modelfront/internal/backend"
	"github.com/openinfer/modelfront/internal/config"
	"github.com/openinfer/modelfront/internal/service"
)

// seedStride separates the seeds of N parallel generations.
const seedStride = 1000

// chatStream is the per-generation surface of the backend stream client.
type chatStream interface {
	Recv(ctx context.Context) (string, error)
	Collect(ctx context.Context) (string, error)
	Accumulated() string
	FinishReason() string
	PromptTokens() int
	CompletionTokens() int
	Close()
}

// ChatCompletionsAPI handles POST /v1/chat/completions.
func (s *Server) ChatCompletionsAPI(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponseError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request_error", "", http.StatusBadRequest)

		return
	}

	if len(req.Messages) == 0 {
		httpResponseError(w, "messages is required", "invalid_request_error", "", http.StatusBadRequest)

		return
	}

	model, ok := s.registry.GetModel(req.Model)
	if !ok || !model.Has(config.CapChat) {
		httpResponseError(w, fmt.Sprintf("model %q not found", req.Model), "invalid_request_error", "model_not_found", http.StatusBadRequest)

		return
	}

	// TRT-LLM upstreams speak OpenAI HTTP themselves; forward instead of
	// serializing a prompt.
	if model.Family() == config.FamilyTRTLLM {
		s.chatTRTLLM(w, r, &req, model)

		return
	}

	prompt, err := serializePrompt(&req, model)
	if err != nil {
		httpResponseError(w, err.Error(), "invalid_request_error", "", http.StatusBadRequest)

		return
	}

	var encodedFiles [][]byte
	if model.Has(config.CapVision) {
		for _, m := range req.Messages {
			encodedFiles = append(encodedFiles, m.ImageData()...)
		}
	}

	params := backend.ChatParams{
		Prompt:       []byte(prompt),
		MaxTokens:    int32(req.MaxOutputTokens()),
		Stop:         req.Stop,
		EncodedFiles: encodedFiles,
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = *req.FrequencyPenalty
	}

	baseSeed := uint64(time.Now().Unix())
	if req.Seed != nil {
		baseSeed = uint64(*req.Seed)
	}

	if req.Stream {
		s.streamChat(w, r, &req, model, params, baseSeed, prompt)

		return
	}

	s.collectChat(w, r, &req, model, params, baseSeed, prompt)
}

// serializePrompt dispatches on the model's prompt family.
func serializePrompt(req *ChatCompletionRequest, model config.ModelConfig) (string, error) {
	switch model.Family() {
	case config.FamilyAgent:
		return serializeAgent(req)
	default:
		return serializeLlama3(req)
	}
}

type generation struct {
	index  int
	text   string
	finish string
	calls  []ToolCall

	promptTokens     int
	completionTokens int

	err error
}

// collectChat runs N parallel generations to completion and answers with one
// aggregated response. Partial failure is tolerated; the request fails only
// when every stream fails.
func (s *Server) collectChat(w http.ResponseWriter, r *http.Request, req *ChatCompletionRequest, model config.ModelConfig, params backend.ChatParams, baseSeed uint64, prompt string) {
	n := req.Choices()
	requestID := requestIDFrom(r)

	joinCtx := r.Context()
	if n > 1 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(joinCtx, backend.ParallelTimeout)
		defer cancel()
	}

	parallelTools := req.ParallelToolCalls == nil || *req.ParallelToolCalls

	results := make([]generation, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			p := params
			p.Seed = baseSeed + uint64(i)*seedStride

			streamID := requestID
			if n > 1 {
				streamID = fmt.Sprintf("%s-%d", requestID, i)
			}

			results[i] = s.runGeneration(joinCtx, req.Model, model, streamID, p, parallelTools)
			results[i].index = i
		}(i)
	}
	wg.Wait()

	var choices []ChatChoice
	usage := Usage{}
	maxPrompt := 0

	for _, gen := range results {
		if gen.err != nil {
			slog.Error("generation failed", "model", req.Model, "index", gen.index, "error", gen.err)

			continue
		}

		finish := gen.finish
		if len(gen.calls) > 0 {
			finish = "tool_calls"
		}

		choices = append(choices, ChatChoice{
			Index: gen.index,
			Message: ResponseMessage{
				Role:      "assistant",
				Content:   gen.text,
				ToolCalls: gen.calls,
			},
			FinishReason: finish,
		})

		if gen.promptTokens > maxPrompt {
			maxPrompt = gen.promptTokens
		}
		usage.CompletionTokens += gen.completionTokens
	}

	if len(choices) == 0 {
		httpResponseError(w, "all generations failed", "server_error", "", http.StatusInternalServerError)

		return
	}

	// Prompt cost is per request, not per parallel stream.
	if maxPrompt == 0 {
		maxPrompt = s.countTokens(r.Context(), model.Addr(), prompt)
	}
	usage.PromptTokens = maxPrompt
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	resp := ChatCompletionResponse{
		ID:      generateChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: choices,
		Usage:   usage,
	}

	s.recordUsage(r, "chat", req.Model, requestID, usage.PromptTokens, usage.CompletionTokens, map[string]any{
		"choices": len(choices),
		"n":       n,
	})

	httpResponseJSON(w, resp, http.StatusOK)
}

// runGeneration drives one backend stream to completion and post-processes
// the text: tool-call extraction and token counting.
func (s *Server) runGeneration(ctx context.Context, modelName string, model config.ModelConfig, streamID string, params backend.ChatParams, parallelTools bool) generation {
	stream, err := s.openStream(ctx, model.Addr(), modelName, streamID, params)
	if err != nil {
		return generation{err: err}
	}
	defer stream.Close()

	text, err := stream.Collect(ctx)
	if err != nil {
		return generation{err: err}
	}

	gen := generation{
		text:             text,
		finish:           stream.FinishReason(),
		promptTokens:     stream.PromptTokens(),
		completionTokens: stream.CompletionTokens(),
	}

	if calls, cleaned, found := extractToolCalls(text, parallelTools); found {
		gen.calls = calls
		gen.text = cleaned

		// Tool-call cost counts against completion tokens.
		for _, call := range calls {
			gen.completionTokens += s.countTokens(ctx, model.Addr(),
				fmt.Sprintf(`{"name":%q,"arguments":%s}`, call.Function.Name, call.Function.Arguments))
		}
	}

	if gen.completionTokens == 0 && gen.text != "" {
		gen.completionTokens = s.countTokens(ctx, model.Addr(), gen.text)
	}

	return gen
}

// countTokens delegates to the configured counting surface.
func (s *Server) countTokens(ctx context.Context, addr string, texts ...string) int {
	return s.count(ctx, addr, texts...)
}

// counterCount resolves a counter for the backend address and counts, falling
// back to the character estimate internally.
func (s *Server) counterCount(ctx context.Context, addr string, texts ...string) int {
	s.countersMu.Lock()
	counter, ok := s.counters[addr]
	if !ok {
		counter = backend.NewCounter(addr)
		s.counters[addr] = counter
	}
	s.countersMu.Unlock()

	return counter.Count(ctx, texts...)
}

// recordUsage emits exactly one accounting row for a finished backend call.
// Pipeline failures never reach the caller.
func (s *Server) recordUsage(r *http.Request, apiType, model, requestID string, promptTokens, completionTokens int, extra map[string]any) {
	if s.usage == nil {
		return
	}

	userID := ""
	if id := identity(r); id != nil {
		userID = id.UserID
	}

	hostname, _ := os.Hostname()

	s.usage.Record(service.UsageRow{
		Timestamp:        types.NewTime(time.Now().UTC()),
		APIType:          apiType,
		UserID:           userID,
		Model:            model,
		RequestID:        requestID,
		PromptTokens:     promptTokens,
		CompletionTokens: service.NullInt64(int64(completionTokens)),
		TotalTokens:      promptTokens + completionTokens,
		ExtraData:        extra,
		Host:             hostname,
		PID:              os.Getpid(),
	})
}

// recordUsageWithCount is the variant for count-shaped calls (embeddings,
// audio): no completion tokens, an input count instead.
func (s *Server) recordUsageWithCount(r *http.Request, apiType, model, requestID string, promptTokens, inputCount int) {
	if s.usage == nil {
		return
	}

	userID := ""
	if id := identity(r); id != nil {
		userID = id.UserID
	}

	hostname, _ := os.Hostname()

	s.usage.Record(service.UsageRow{
		Timestamp:    types.NewTime(time.Now().UTC()),
		APIType:      apiType,
		UserID:       userID,
		Model:        model,
		RequestID:    requestID,
		PromptTokens: promptTokens,
		TotalTokens:  promptTokens,
		InputCount:   service.NullInt64(int64(inputCount)),
		Host:         hostname,
		PID:          os.Getpid(),
	})
}

// requestIDFrom prefers the middleware-assigned id and falls back to a fresh
// UUID for direct calls.
func requestIDFrom(r *http.Request) string {
	if id := identity(r); id != nil && id.RequestID != "" {
		return id.RequestID
	}

	return uuid.NewString()
}

func generateChatID() string {
	return "chatcmpl-" + strings.ToLower(ulid.Make().String())
}
