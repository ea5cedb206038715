package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Llama-3 prompt format markers.
const (
	beginOfText = "<|begin_of_text|>"
	startHeader = "<|start_header_id|>"
	endHeader   = "<|end_header_id|>"
	endOfTurn   = "<|eot_id|>"
)

const systemPromptWithTools = `You are a helpful AI assistant with access to tools. Your goal is to provide accurate, helpful responses while leveraging available tools when they can enhance your answer.

## Available Tools
%[1]s

## Instructions
%[2]s

## Guidelines
- First determine if you can provide a complete, accurate answer using your existing knowledge
- If you can answer directly without tools, do so immediately
- Only use tools when they are necessary to access real-time information, perform computations, retrieve specific data, or execute actions
- Do NOT predict, guess, or assume what tool calls will return
- Verify tool outputs and integrate them naturally into your response%[3]s

## Tool Usage Format
When you need to use tools, respond with a valid JSON array containing tool call objects.
Each tool call object should contain:
- "name": the exact function name to call
- "arguments": an object containing all required parameters for the function

For a single tool call:
` + "```json" + `
[{
  "name": "tool_name",
  "arguments": {
    "param1": "value1",
    "param2": "value2"
  }
}]
` + "```" + `

%[4]s## Response Format
%[5]s

Always prioritize direct responses when your knowledge is sufficient. Use tools strategically only when they add genuine value to your answer.
`

const systemPromptWithoutTools = `You are a helpful AI assistant. Your goal is to provide accurate, helpful, and well-reasoned responses based on your knowledge.

## Instructions
%[1]s

## Guidelines
- Provide clear, concise, and accurate information
- Structure your responses logically with proper organization
- Be specific and detailed when appropriate
- Acknowledge limitations and express uncertainty when warranted%[2]s

## Response Format
%[3]s

Always strive to provide comprehensive yet focused responses that directly address the user's needs while maintaining clarity and accuracy.
`

const parallelToolCallInstruction = `For multiple tool calls:
` + "```json" + `
[{
  "name": "first_tool",
  "arguments": {
    "param1": "value1"
  }
},
{
  "name": "second_tool",
  "arguments": {
    "param2": "value2"
  }
}]
` + "```" + `

`

// serializeLlama3 renders the chat history into the Llama-3 role-delimited
// token format, templating tool definitions and response-format directives
// into the system turn.
func serializeLlama3(req *ChatCompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("no messages provided for serialization")
	}

	systemCount := 0
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			systemCount++
		}
	}
	if systemCount > 1 {
		return "", fmt.Errorf("only one system message is allowed")
	}

	if req.Messages[len(req.Messages)-1].Role != "user" {
		return "", fmt.Errorf("the last message must be a user message")
	}

	toolPrompt := toolUsePrompt(req)

	var instructions string
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			instructions = m.Text()

			break
		}
	}

	guidelines := ""
	parallelInstruction := ""
	if toolPrompt != "" && req.ParallelToolCalls != nil && *req.ParallelToolCalls {
		guidelines = "\n- If multiple tools are needed, use them in logical sequence."
		parallelInstruction = parallelToolCallInstruction
	}

	responseInstruction := responseFormatInstruction(req.ResponseFormat)

	var system string
	if toolPrompt != "" {
		system = fmt.Sprintf(systemPromptWithTools,
			toolPrompt, instructions, guidelines, parallelInstruction, responseInstruction)
	} else {
		system = fmt.Sprintf(systemPromptWithoutTools,
			instructions, guidelines, responseInstruction)
	}

	var sb strings.Builder
	sb.WriteString(beginOfText)
	sb.WriteString(startHeader + "system" + endHeader)
	sb.WriteString(system)
	sb.WriteString(endOfTurn)

	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			continue
		}

		role := m.Role
		switch m.Role {
		case "assistant", "tool":
			role = "assistant"
		case "user":
			role = "user"
		}

		sb.WriteString(startHeader + role + endHeader)
		sb.WriteString(m.Text())
		sb.WriteString(endOfTurn)
	}

	// Trailing assistant header for the model to continue from.
	sb.WriteString(startHeader + "assistant" + endHeader)

	// JSON response formats get a scaffold so the model starts inside the
	// object.
	if req.ResponseFormat != nil && strings.HasPrefix(req.ResponseFormat.Type, "json") {
		sb.WriteString(`{"name":`)
	}

	return sb.String(), nil
}

// responseFormatInstruction renders the response_format directive text.
func responseFormatInstruction(rf *ResponseFormat) string {
	if rf == nil || rf.Type == "" || rf.Type == "text" {
		return "Provide well-structured responses with clear reasoning and explanations."
	}

	switch rf.Type {
	case "json", "json_object":
		return "Respond in JSON format with the required fields. Ensure the response is valid JSON."
	case "json_schema":
		schema := rf.JSONSchema
		if schema == nil {
			return "Respond in JSON format with the required fields. Ensure the response is valid JSON."
		}

		var schemaText string
		if len(schema.Schema) > 0 {
			var buf bytes.Buffer
			if err := json.Indent(&buf, schema.Schema, "", "  "); err == nil {
				schemaText = buf.String()
			} else {
				schemaText = string(schema.Schema)
			}
		}

		if schema.Strict {
			return fmt.Sprintf(
				"Respond in strict JSON format adhering to the schema '%s'. Description: %s. Schema:\n%s\n"+
					"The response MUST exactly match the schema structure with no additional fields. Ensure the response is valid JSON.",
				schema.Name, schema.Description, schemaText)
		}

		return fmt.Sprintf(
			"Respond in JSON format following the schema '%s'. Description: %s. Schema: %s. "+
				"Additional fields are allowed but all required fields must be present. Ensure the response is valid JSON.",
			schema.Name, schema.Description, schemaText)
	}

	return "Provide well-structured responses with clear reasoning and explanations."
}

// toolUsePrompt renders the tools as a human-readable appendix. A tool_choice
// of "none" suppresses it; an object form filters to the named function.
func toolUsePrompt(req *ChatCompletionRequest) string {
	tools := selectTools(req.Tools, req.ToolChoice)
	if len(tools) == 0 {
		return ""
	}

	var prompts []string
	for i, tool := range tools {
		name := tool.Function.Name
		if name == "" {
			continue
		}

		description := tool.Function.Description
		if description == "" {
			description = "No description provided"
		}

		var propLines []string
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

		keys := make([]string, 0, len(params.Properties))
		for k := range params.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			prop := params.Properties[key]

			description := prop.Description
			if description == "" {
				description = "No description provided"
			}

			if len(prop.Enum) > 0 {
				propLines = append(propLines,
					fmt.Sprintf("  - %s (%s): Select one of %s.", key, prop.Type, strings.Join(prop.Enum, ", ")))

				continue
			}

			propLines = append(propLines,
				fmt.Sprintf("  - %s (%s): %s.", key, prop.Type, description))
		}

		prompts = append(prompts, fmt.Sprintf("%d: **%s**: %s\n  Arguments:\n%s",
			i+1, name, description, strings.Join(propLines, "\n")))
	}

	return strings.Join(prompts, "\n")
}

// selectTools applies the tool_choice filter: "none" drops everything, an
// object with function.name keeps only that tool, anything else passes all
// tools through.
func selectTools(tools []Tool, choice json.RawMessage) []Tool {
	if len(tools) == 0 {
		return nil
	}

	if len(choice) > 0 {
		var s string
		if err := json.Unmarshal(choice, &s); err == nil {
			if s == "none" {
				return nil
			}

			return tools
		}

		var obj struct {
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		}
		if err := json.Unmarshal(choice, &obj); err == nil && obj.Function.Name != "" {
			var filtered []Tool
			for _, t := range tools {
				if t.Function.Name == obj.Function.Name {
					filtered = append(filtered, t)
				}
			}

			return filtered
		}
	}

	return tools
}
