package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Llama-3 role-delimited token format.
const (
	llamaBeginText   = "<|begin_of_text|>"
	llamaStartHeader = "<|start_header_id|>"
	llamaEndHeader   = "<|end_header_id|>"
	llamaEndOfTurn   = "<|eot_id|>"
)

// filterTools applies tool_choice: an object form keeps only the named
// function; the string forms ("auto", "none", "required") pass through.
func filterTools(tools []Tool, toolChoice json.RawMessage) []Tool {
	if len(toolChoice) == 0 {
		return tools
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(toolChoice, &obj); err != nil || obj.Function.Name == "" {
		var s string
		if json.Unmarshal(toolChoice, &s) == nil && s == "none" {
			return nil
		}
		return tools
	}
	var kept []Tool
	for _, t := range tools {
		if t.Function.Name == obj.Function.Name {
			kept = append(kept, t)
		}
	}
	return kept
}

// toolPreamble renders tool definitions as a human-readable appendix for the
// system message: each schema followed by a directive telling the model to
// answer with a JSON array of {name, arguments} objects.
func toolPreamble(tools []Tool, parallel bool) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\nYou have access to the following functions:\n\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "Function %q", t.Function.Name)
		if t.Function.Description != "" {
			fmt.Fprintf(&sb, ": %s", t.Function.Description)
		}
		sb.WriteString("\n")
		if len(t.Function.Parameters) > 0 {
			fmt.Fprintf(&sb, "Parameters schema:\n%s\n", string(t.Function.Parameters))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("To call a function, respond ONLY with a JSON array of objects of the form ")
	sb.WriteString(`[{"name": "function_name", "arguments": {"argument": "value"}}]`)
	if parallel {
		sb.WriteString(". You may include several objects to call several functions.")
	} else {
		sb.WriteString(". Include exactly one object; call at most one function.")
	}
	sb.WriteString("\nExample:\n")
	sb.WriteString(`[{"name": "get_weather", "arguments": {"city": "Paris"}}]`)
	sb.WriteString("\n")
	return sb.String()
}

// serializeLlama3 renders chat history in the Llama-3 wire format and leaves
// the prompt open at an assistant header.
func serializeLlama3(req *ChatCompletionRequest) string {
	tools := filterTools(req.Tools, req.ToolChoice)
	parallel := req.ParallelToolCalls == nil || *req.ParallelToolCalls
	preamble := toolPreamble(tools, parallel)

	var sb strings.Builder
	sb.WriteString(llamaBeginText)

	wroteSystem := false
	for _, m := range req.Messages {
		role := strings.ToLower(m.Role)
		content := m.Content
		if role == "system" && !wroteSystem {
			content += preamble
			wroteSystem = true
		}
		if role == "tool" {
			// Llama-3 names the tool result role ipython.
			role = "ipython"
		}
		fmt.Fprintf(&sb, "%s%s%s\n\n%s%s", llamaStartHeader, role, llamaEndHeader, content, llamaEndOfTurn)
	}
	if !wroteSystem && preamble != "" {
		// No system message present: synthesize one ahead of the history.
		history := sb.String()[len(llamaBeginText):]
		sb.Reset()
		sb.WriteString(llamaBeginText)
		fmt.Fprintf(&sb, "%ssystem%s\n\n%s%s", llamaStartHeader, llamaEndHeader, strings.TrimSpace(preamble), llamaEndOfTurn)
		sb.WriteString(history)
	}

	fmt.Fprintf(&sb, "%sassistant%s\n\n", llamaStartHeader, llamaEndHeader)

	// JSON response formats scaffold the assistant turn so generation starts
	// inside the object.
	if req.ResponseFormat != nil && strings.HasPrefix(req.ResponseFormat.Type, "json") {
		sb.WriteString(`{"name":`)
	}
	return sb.String()
}

// serializeHomemade renders the history as the JSON envelope the home-made
// agent family consumes. No tool preamble; the agent manages its own tools.
func serializeHomemade(req *ChatCompletionRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := struct {
		Messages []msg `json:"messages"`
	}{}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, msg{Role: m.Role, Content: m.Content})
	}
	b, _ := json.Marshal(payload)
	return string(b)
}
