package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

// sseWriter frames chat completion chunks as Server-Sent Events. Every event
// is `data: <json>\n\n`; the stream ends with `data: [DONE]\n\n`.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) event(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("gateway: sse marshal failed", "error", err)
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// streamChat drives a single generation over SSE. The event order is fixed:
// a header event with empty choices, one delta event per emitted chunk, a
// final event carrying tool calls, finish_reason and the only usage object,
// then the [DONE] terminator.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, id *middleware.Identity,
	model config.Model, req *ChatCompletionRequest, prompt, completionID string, seed uint64) {

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backend.CollectTimeout)
	defer cancel()

	chunkEvent := func(choices []ChatChoice) ChatCompletionResponse {
		return ChatCompletionResponse{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: now().Unix(),
			Model:   model.Name,
			Choices: choices,
		}
	}

	// Header event: identifies the completion before any content flows.
	sse.event(chunkEvent([]ChatChoice{}))

	sc, err := s.newStream(model, completionID, s.genParams(req, seed))
	if err != nil {
		s.streamAbort(sse, chunkEvent, prompt, "", err)
		return
	}

	completionEstimate := 0
	res, runErr := sc.Run(ctx, prompt, func(delta string) {
		completionEstimate += backend.EstimateTokens(delta)
		sse.event(chunkEvent([]ChatChoice{{
			Index: 0,
			Delta: &ChatMessage{Role: "assistant", Content: delta},
		}}))
	})

	if runErr != nil {
		if r.Context().Err() != nil {
			// Client went away; the stream client has already torn down.
			slog.Debug("gateway: client disconnected mid-stream", "completion_id", completionID)
			return
		}
		s.streamAbort(sse, chunkEvent, prompt, "", runErr)
		return
	}

	parallel := req.ParallelToolCalls == nil || *req.ParallelToolCalls
	calls := extractToolCalls(res.Text, parallel)
	finish := res.FinishReason
	if len(calls) > 0 {
		finish = "tool_calls"
	}

	promptTokens := res.PromptTokens
	if promptTokens == 0 {
		if counter, cerr := s.counter(model); cerr == nil {
			promptTokens = counter.Count(ctx, prompt)
		} else {
			promptTokens = backend.EstimateTokens(prompt)
		}
	}
	completionTokens := completionEstimate + s.toolCallTokens(ctx, nil, calls, true)
	usageObj := &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}

	finalDelta := &ChatMessage{}
	if len(calls) > 0 {
		finalDelta.ToolCalls = calls
	}
	final := chunkEvent([]ChatChoice{{
		Index:        0,
		Delta:        finalDelta,
		FinishReason: &finish,
	}})
	final.Usage = usageObj
	sse.event(final)
	sse.done()

	s.recorder.Record(database.UsageRow{
		APIType:          "chat",
		UserID:           id.UserID,
		Model:            model.Name,
		RequestID:        completionID,
		PromptTokens:     promptTokens,
		CompletionTokens: &completionTokens,
		TotalTokens:      usageObj.TotalTokens,
		ExtraData: map[string]interface{}{
			"n":        1,
			"stream":   true,
			"username": id.Username,
		},
	})
}

// streamAbort closes an SSE stream after a backend failure: one terminal
// event with finish_reason "length", then the terminator. The stream is
// never silently truncated.
func (s *Server) streamAbort(sse *sseWriter, chunkEvent func([]ChatChoice) ChatCompletionResponse,
	prompt, text string, cause error) {

	slog.Error("gateway: stream failed", "error", cause)
	finish := backend.FinishLength
	promptTokens := backend.EstimateTokens(prompt)
	completionTokens := backend.EstimateTokens(text)
	final := chunkEvent([]ChatChoice{{
		Index:        0,
		Delta:        &ChatMessage{},
		FinishReason: &finish,
	}})
	final.Usage = &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	sse.event(final)
	sse.done()
}
