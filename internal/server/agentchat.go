package server

import (
	"encoding/json"
	"fmt"
)

// agentMessage is the wire shape of one turn for agent-family models, which
// take their history as a JSON document rather than a token-delimited prompt.
type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// serializeAgent renders the history as {"messages": [...]}. No tool
// preamble; agent backends manage their own tooling.
func serializeAgent(req *ChatCompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("no messages provided for serialization")
	}

	messages := make([]agentMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, agentMessage{
			Role:    m.Role,
			Content: m.Text(),
		})
	}

	data, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return "", fmt.Errorf("marshal agent prompt: %w", err)
	}

	return string(data), nil
}
