package server

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// maxToolCallDepth bounds the JSON nesting the extractor considers: the
// {name, arguments:{...}} shape is depth 2.
const maxToolCallDepth = 2

// channelToolCall matches the channel-tagged tool call syntax emitted by
// TRT-LLM upstreams.
var channelToolCall = regexp.MustCompile(
	`<\|channel\|>commentary to=([\w.\-]+)\s*<\|constrain\|>json<\|message\|>(.*?)<\|call\|>`)

// extractToolCalls scans the completion text for balanced JSON objects with
// "name" and "arguments" keys, returning the calls, the text with the call
// bodies removed, and whether anything was found. With parallel=false only
// the first call survives.
func extractToolCalls(text string, parallel bool) ([]ToolCall, string, bool) {
	if !strings.Contains(text, `"name"`) || !strings.Contains(text, `"arguments"`) {
		return nil, text, false
	}

	var calls []ToolCall
	cleaned := text

	for _, candidate := range balancedObjects(text, maxToolCallDepth) {
		var obj struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		if obj.Name == "" || len(obj.Arguments) == 0 {
			continue
		}

		if !parallel && len(calls) > 0 {
			// Still remove the body so it does not leak into content.
			cleaned = strings.Replace(cleaned, candidate, "", 1)

			continue
		}

		calls = append(calls, ToolCall{
			ID:   "call_" + uuid.NewString(),
			Type: "function",
			Function: ToolCallFunction{
				Name:      obj.Name,
				Arguments: argumentsString(obj.Arguments),
			},
		})

		cleaned = strings.Replace(cleaned, candidate, "", 1)
	}

	if len(calls) == 0 {
		return nil, text, false
	}

	return calls, strings.TrimSpace(cleaned), true
}

// extractChannelToolCalls pulls channel-tagged calls out of TRT-LLM output.
func extractChannelToolCalls(text string, parallel bool) ([]ToolCall, string, bool) {
	matches := channelToolCall.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, text, false
	}

	var calls []ToolCall
	cleaned := channelToolCall.ReplaceAllString(text, "")

	for _, m := range matches {
		name := m[1]
		// Tool targets may be namespaced as "functions.NAME".
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}

		calls = append(calls, ToolCall{
			ID:   "call_" + uuid.NewString(),
			Type: "function",
			Function: ToolCallFunction{
				Name:      name,
				Arguments: argumentsString(json.RawMessage(m[2])),
			},
		})

		if !parallel {
			calls = calls[:1]

			break
		}
	}

	return calls, strings.TrimSpace(cleaned), true
}

// argumentsString normalizes arguments to the OpenAI wire form: a JSON
// string. String-typed arguments that themselves hold JSON are unwrapped.
func argumentsString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && json.Valid([]byte(trimmed)) {
			return trimmed
		}

		return s
	}

	return string(raw)
}

// balancedObjects returns every balanced {...} span in text whose nesting
// depth stays within maxDepth. String literals and escapes are honored.
func balancedObjects(text string, maxDepth int) []string {
	var out []string

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}

		end, depth := scanObject(text, i)
		if end < 0 || depth > maxDepth {
			continue
		}

		out = append(out, text[i:end+1])
		i = end
	}

	return out
}

// scanObject scans a JSON object starting at start and returns the index of
// its closing brace plus the maximum nesting depth, or -1 when unbalanced.
func scanObject(text string, start int) (int, int) {
	depth := 0
	maxDepth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}

			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}':
			depth--
			if depth == 0 {
				return i, maxDepth
			}
		}
	}

	return -1, maxDepth
}
