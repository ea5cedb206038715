package server

import (
	"encoding/json"
	"strings"
	"testing"
)

func msg(role, content string) ChatMessage {
	data, _ := json.Marshal(content)

	return ChatMessage{Role: role, Content: data}
}

func TestSerializeLlama3Basic(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages: []ChatMessage{
			msg("system", "Be terse."),
			msg("user", "hi"),
		},
	}

	prompt, err := serializeLlama3(req)
	if err != nil {
		t.Fatalf("serializeLlama3: %v", err)
	}

	if !strings.HasPrefix(prompt, beginOfText) {
		t.Fatalf("prompt must start with begin-of-text: %q", prompt[:40])
	}
	if !strings.HasSuffix(prompt, startHeader+"assistant"+endHeader) {
		t.Fatalf("prompt must end with the assistant header: %q", prompt[len(prompt)-60:])
	}
	if !strings.Contains(prompt, startHeader+"system"+endHeader) {
		t.Fatal("system turn missing")
	}
	if !strings.Contains(prompt, "Be terse.") {
		t.Fatal("system instructions must be templated in")
	}
	if !strings.Contains(prompt, startHeader+"user"+endHeader+"hi"+endOfTurn) {
		t.Fatal("user turn missing or malformed")
	}
}

func TestSerializeLlama3Validation(t *testing.T) {
	if _, err := serializeLlama3(&ChatCompletionRequest{}); err == nil {
		t.Fatal("empty messages must error")
	}

	twoSystems := &ChatCompletionRequest{Messages: []ChatMessage{
		msg("system", "a"), msg("system", "b"), msg("user", "hi"),
	}}
	if _, err := serializeLlama3(twoSystems); err == nil {
		t.Fatal("two system messages must error")
	}

	endsWithAssistant := &ChatCompletionRequest{Messages: []ChatMessage{
		msg("user", "hi"), msg("assistant", "hello"),
	}}
	if _, err := serializeLlama3(endsWithAssistant); err == nil {
		t.Fatal("history not ending in a user message must error")
	}
}

func TestSerializeLlama3ToolPrompt(t *testing.T) {
	parallel := true
	req := &ChatCompletionRequest{
		Messages:          []ChatMessage{msg("user", "weather?")},
		ParallelToolCalls: &parallel,
		Tools: []Tool{{
			Type: "function",
			Function: ToolFunction{
				Name:        "get_weather",
				Description: "Look up current weather",
				Parameters:  json.RawMessage(`{"properties":{"city":{"type":"string","description":"city name"},"unit":{"type":"string","enum":["C","F"]}}}`),
			},
		}},
	}

	prompt, err := serializeLlama3(req)
	if err != nil {
		t.Fatalf("serializeLlama3: %v", err)
	}

	if !strings.Contains(prompt, "**get_weather**: Look up current weather") {
		t.Fatal("tool appendix missing")
	}
	if !strings.Contains(prompt, "city (string): city name.") {
		t.Fatal("tool property line missing")
	}
	if !strings.Contains(prompt, "Select one of C, F.") {
		t.Fatal("enum property line missing")
	}
	if !strings.Contains(prompt, "For multiple tool calls:") {
		t.Fatal("parallel tool call instruction missing")
	}
}

func TestSerializeLlama3ToolRolesCoerced(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages: []ChatMessage{
			msg("user", "run it"),
			msg("assistant", "calling"),
			msg("tool", "result: 42"),
			msg("user", "and?"),
		},
	}

	prompt, err := serializeLlama3(req)
	if err != nil {
		t.Fatalf("serializeLlama3: %v", err)
	}

	if strings.Contains(prompt, startHeader+"tool"+endHeader) {
		t.Fatal("tool role must serialize as assistant")
	}
	if !strings.Contains(prompt, "result: 42") {
		t.Fatal("tool content must survive")
	}
}

func TestSerializeLlama3JSONScaffold(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages:       []ChatMessage{msg("user", "give json")},
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	prompt, err := serializeLlama3(req)
	if err != nil {
		t.Fatalf("serializeLlama3: %v", err)
	}

	if !strings.HasSuffix(prompt, `{"name":`) {
		t.Fatalf("json response format must append the scaffold, got tail %q", prompt[len(prompt)-20:])
	}
	if !strings.Contains(prompt, "Respond in JSON format") {
		t.Fatal("json response instruction missing")
	}
}

func TestSerializeLlama3StrictSchema(t *testing.T) {
	req := &ChatCompletionRequest{
		Messages: []ChatMessage{msg("user", "structured")},
		ResponseFormat: &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "weather_report",
				Schema: json.RawMessage(`{"type":"object"}`),
				Strict: true,
			},
		},
	}

	prompt, err := serializeLlama3(req)
	if err != nil {
		t.Fatalf("serializeLlama3: %v", err)
	}

	if !strings.Contains(prompt, "strict JSON format adhering to the schema 'weather_report'") {
		t.Fatal("strict schema instruction missing")
	}
}

func TestMessageContentParts(t *testing.T) {
	m := ChatMessage{
		Role: "user",
		Content: json.RawMessage(`[
			{"type":"text","text":"what is this? "},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,aWltZw=="}},
			{"type":"text","text":"thanks"}
		]`),
	}

	if got := m.Text(); got != "what is this? thanks" {
		t.Fatalf("Text() = %q", got)
	}

	images := m.ImageData()
	if len(images) != 1 || string(images[0]) != "aWltZw==" {
		t.Fatalf("ImageData() = %q", images)
	}
}
