package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

// tsToolSignatures renders tool definitions as TypeScript-like function
// signatures; TRT-LLM chat templates ground tool calling on this form.
func tsToolSignatures(tools []Tool) string {
	var sb strings.Builder
	sb.WriteString("# Tools\n\nnamespace functions {\n\n")
	for _, t := range tools {
		if t.Function.Description != "" {
			fmt.Fprintf(&sb, "// %s\n", t.Function.Description)
		}
		params := "{}"
		if len(t.Function.Parameters) > 0 {
			params = string(t.Function.Parameters)
		}
		fmt.Fprintf(&sb, "type %s = (_: %s) => any;\n\n", t.Function.Name, params)
	}
	sb.WriteString("} // namespace functions")
	return sb.String()
}

// structuralTags constrain TRT-LLM generation to the channel-tag tool framing.
func structuralTags(tools []Tool) []map[string]interface{} {
	var tags []map[string]interface{}
	for _, t := range tools {
		tag := map[string]interface{}{
			"begin": fmt.Sprintf("<|channel|>commentary to=%s <|constrain|>json<|message|>", t.Function.Name),
			"end":   "<|call|>",
		}
		if len(t.Function.Parameters) > 0 {
			tag["schema"] = json.RawMessage(t.Function.Parameters)
		}
		tags = append(tags, tag)
	}
	return tags
}

// forwardTRTLLM relays the request to the backend's own OpenAI-shaped HTTP
// endpoint, injecting the tool system prompt and structural tags.
func (s *Server) forwardTRTLLM(w http.ResponseWriter, r *http.Request, id *middleware.Identity,
	model config.Model, req *ChatCompletionRequest) {

	tools := filterTools(req.Tools, req.ToolChoice)

	upstream := map[string]interface{}{
		"model":    model.Name,
		"messages": req.Messages,
		"stream":   req.Stream,
		"n":        req.N,
	}
	if len(tools) > 0 {
		// Derived system prompt goes ahead of the caller's history.
		msgs := append([]ChatMessage{{Role: "system", Content: tsToolSignatures(tools)}}, req.Messages...)
		upstream["messages"] = msgs
		upstream["structural_tags"] = structuralTags(tools)
	}
	if len(req.Stop) > 0 {
		upstream["stop"] = []string(req.Stop)
	}
	if req.ResponseFormat != nil {
		upstream["response_format"] = req.ResponseFormat
	}
	if req.Temperature != nil {
		upstream["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		upstream["top_p"] = *req.TopP
	}
	if mt := req.maxOutputTokens(); mt > 0 {
		upstream["max_tokens"] = mt
	}

	body, err := json.Marshal(upstream)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot encode upstream request")
		return
	}

	url := fmt.Sprintf("http://%s/v1/chat/completions", model.Addr())
	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.forward.Do(httpReq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backend_error",
			fmt.Sprintf("upstream %s unreachable: %v", model.Name, err))
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		// Relay the upstream SSE byte stream as-is.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(resp.StatusCode)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if rerr != nil {
				return
			}
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "backend_error", "upstream read failed")
		return
	}
	if resp.StatusCode != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	var parsed ChatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		writeError(w, http.StatusInternalServerError, "backend_error", "upstream returned malformed JSON")
		return
	}
	if parsed.ID == "" {
		parsed.ID = "chatcmpl-" + uuid.NewString()
	}

	// Upstreams that frame tool calls in channel tags leave them embedded in
	// the message text; lift them into tool_calls.
	parallel := req.ParallelToolCalls == nil || *req.ParallelToolCalls
	for i := range parsed.Choices {
		choice := &parsed.Choices[i]
		if choice.Message == nil || len(choice.Message.ToolCalls) > 0 {
			continue
		}
		if calls := extractChannelToolCalls(choice.Message.Content, parallel); len(calls) > 0 {
			choice.Message.ToolCalls = calls
			finish := "tool_calls"
			choice.FinishReason = &finish
		}
	}

	writeJSON(w, http.StatusOK, parsed)

	row := database.UsageRow{
		APIType:   "chat",
		UserID:    id.UserID,
		Model:     model.Name,
		RequestID: parsed.ID,
		ExtraData: map[string]interface{}{
			"n":        req.N,
			"stream":   false,
			"upstream": "trtllm",
			"username": id.Username,
		},
	}
	if parsed.Usage != nil {
		row.PromptTokens = parsed.Usage.PromptTokens
		row.CompletionTokens = &parsed.Usage.CompletionTokens
		row.TotalTokens = parsed.Usage.TotalTokens
	} else {
		slog.Debug("gateway: trtllm upstream reported no usage", "model", model.Name)
	}
	s.recorder.Record(row)
}
