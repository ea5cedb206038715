package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/openinfer/modelfront/internal/config"
)

const trtllmSystemPrompt = "You are a helpful assistant." +
	"Current date and time: %s" +
	"Reasoning: medium" +
	"# Valid channels: analysis, commentary, final. Channel must be included for every message." +
	"%s"

const trtllmDeveloperPrompt = "# Instructions\n\n%s\n\n\n# Tools\n\n%s"

// chatTRTLLM forwards the request to the backend's own OpenAI-shaped HTTP
// endpoint, injecting the derived channel/tool system prompts and structural
// tags, then extracts channel-tagged tool calls from the answer.
func (s *Server) chatTRTLLM(w http.ResponseWriter, r *http.Request, req *ChatCompletionRequest, model config.ModelConfig) {
	client, err := s.upstream(req.Model, model)
	if err != nil {
		httpResponseError(w, fmt.Sprintf("backend error: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}

	tools := selectTools(req.Tools, req.ToolChoice)

	body := map[string]any{
		"model":    req.Model,
		"messages": trtllmMessages(req, tools),
		"stream":   req.Stream,
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if max := req.MaxOutputTokens(); max > 0 {
		body["max_completion_tokens"] = max
	}

	// Structural tags constrain tool-call output; plain response_format
	// passes through when no tools are advertised.
	if tags := structuralTags(tools); tags != nil {
		body["response_format"] = tags
	} else if req.ResponseFormat != nil {
		body["response_format"] = req.ResponseFormat
	}

	data, err := json.Marshal(body)
	if err != nil {
		httpResponseError(w, fmt.Sprintf("marshal upstream request: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "", bytes.NewReader(data))
	if err != nil {
		httpResponseError(w, fmt.Sprintf("backend error: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}

	parallelTools := req.ParallelToolCalls == nil || *req.ParallelToolCalls

	if req.Stream {
		s.forwardTRTLLMStream(w, r, client, httpReq, req)

		return
	}

	var upstream ChatCompletionResponse
	if err := client.Do(httpReq, func(resp *http.Response) error {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("upstream status %d: %s", resp.StatusCode, payload)
		}

		return json.Unmarshal(payload, &upstream)
	}); err != nil {
		slog.Error("trt-llm upstream failed", "model", req.Model, "error", err)
		httpResponseError(w, fmt.Sprintf("backend error: %v", err), "server_error", "", http.StatusInternalServerError)

		return
	}

	for i := range upstream.Choices {
		choice := &upstream.Choices[i]
		if calls, cleaned, found := extractChannelToolCalls(choice.Message.Content, parallelTools); found {
			choice.Message.Content = cleaned
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, calls...)
			choice.FinishReason = "tool_calls"
		}
	}

	if upstream.ID == "" {
		upstream.ID = generateChatID()
	}
	upstream.Object = "chat.completion"
	upstream.Model = req.Model

	s.recordUsage(r, "chat", req.Model, requestIDFrom(r), upstream.Usage.PromptTokens, upstream.Usage.CompletionTokens, map[string]any{
		"upstream": "trt-llm",
	})

	httpResponseJSON(w, upstream, http.StatusOK)
}

// forwardTRTLLMStream relays the upstream SSE byte stream to the client
// unchanged; the upstream already speaks the OpenAI chunk format.
func (s *Server) forwardTRTLLMStream(w http.ResponseWriter, r *http.Request, client *klient.Client, httpReq *http.Request, req *ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpResponseError(w, "streaming not supported by this server", "server_error", "", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var usage Usage

	if err := client.Do(httpReq, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(resp.Body)

			return fmt.Errorf("upstream status %d: %s", resp.StatusCode, payload)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			// Capture usage from the final chunk for accounting.
			if payload, ok := strings.CutPrefix(line, "data: "); ok && payload != "[DONE]" {
				var chunk ChatCompletionChunk
				if err := json.Unmarshal([]byte(payload), &chunk); err == nil && chunk.Usage != nil {
					usage = *chunk.Usage
				}
			}

			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}

		return scanner.Err()
	}); err != nil {
		slog.Error("trt-llm upstream stream failed", "model", req.Model, "error", err)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()

		return
	}

	s.recordUsage(r, "chat-stream", req.Model, requestIDFrom(r), usage.PromptTokens, usage.CompletionTokens, map[string]any{
		"upstream": "trt-llm",
	})
}

// trtllmMessages prepends the derived system and developer turns to the
// client history.
func trtllmMessages(req *ChatCompletionRequest, tools []Tool) []map[string]any {
	var instructions string
	toolSystem := ""
	toolDeveloper := ""

	for _, m := range req.Messages {
		if m.Role == "system" {
			instructions = m.Text()

			break
		}
	}

	if len(tools) > 0 {
		var sb strings.Builder
		sb.WriteString("Calls to these tools must go to commentary channel, for example:\n")
		for _, t := range tools {
			fmt.Fprintf(&sb, "    commentary to=%s\n", t.Function.Name)
		}
		toolSystem = sb.String()

		toolDeveloper = toolSignatures(tools)
	}

	messages := []map[string]any{
		{"role": "system", "content": fmt.Sprintf(trtllmSystemPrompt, time.Now().Format(time.RFC3339), toolSystem)},
		{"role": "developer", "content": fmt.Sprintf(trtllmDeveloperPrompt, instructions, toolDeveloper)},
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}

		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": m.Text(),
		})
	}

	return messages
}

// toolSignatures renders the tools as TypeScript-like function signatures.
func toolSignatures(tools []Tool) string {
	var sb strings.Builder

	for _, tool := range tools {
		fmt.Fprintf(&sb, "// %s\n", tool.Function.Description)

		var params struct {
			Properties map[string]struct {
				Type        string   `json:"type"`
				Description string   `json:"description"`
				Enum        []string `json:"enum"`
			} `json:"properties"`
		}
		if len(tool.Function.Parameters) > 0 {
			_ = json.Unmarshal(tool.Function.Parameters, &params)
		}

		if len(params.Properties) == 0 {
			fmt.Fprintf(&sb, "%s = () => any;\n\n", tool.Function.Name)

			continue
		}

		fmt.Fprintf(&sb, "%s = (_: {\n", tool.Function.Name)

		keys := make([]string, 0, len(params.Properties))
		for k := range params.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			prop := params.Properties[key]

			propType := prop.Type
			if len(prop.Enum) > 0 {
				quoted := make([]string, len(prop.Enum))
				for i, e := range prop.Enum {
					quoted[i] = fmt.Sprintf("%q", e)
				}
				propType = strings.Join(quoted, " | ")
			}
			if propType == "" {
				propType = "any"
			}

			fmt.Fprintf(&sb, "    %s: %s, // %s\n", key, propType, prop.Description)
		}

		sb.WriteString("}) => any;\n\n")
	}

	return sb.String()
}

// structuralTags builds the constrained-decoding format for tool calls.
func structuralTags(tools []Tool) map[string]any {
	if len(tools) == 0 {
		return nil
	}

	var structures []map[string]any
	for _, tool := range tools {
		if tool.Function.Name == "" {
			continue
		}

		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"properties":{}}`)
		}

		structures = append(structures, map[string]any{
			"begin":  fmt.Sprintf("<|channel|>commentary to=%s <|constrain|>json<|message|>", tool.Function.Name),
			"schema": schema,
			"end":    "<|call|>",
		})
	}

	return map[string]any{
		"type":       "structural_tag",
		"structures": structures,
	}
}

// upstream returns the cached HTTP client for a trt-llm model.
func (s *Server) upstream(name string, model config.ModelConfig) (*klient.Client, error) {
	s.upstreamsMu.Lock()
	defer s.upstreamsMu.Unlock()

	if client, ok := s.upstreams[name]; ok {
		return client, nil
	}

	baseURL := fmt.Sprintf("http://%s/v1/chat/completions", model.Addr())

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{"Content-Type": []string{"application/json"}}),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream client for %s: %w", name, err)
	}

	s.upstreams[name] = client

	return client, nil
}
