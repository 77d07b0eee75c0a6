package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"

	"github.com/google/uuid"

	"github.com/infergate/gateway/internal/backend"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

const (
	// seedStride separates sibling seeds in N-way generations.
	seedStride = 1000

	maxStopSequences = 4
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}
	if req.N <= 0 {
		req.N = 1
	}
	if req.Stream && req.N > 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "streaming supports n=1 only")
		return
	}
	if len(req.Stop) > maxStopSequences {
		writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("at most %d stop sequences are supported", maxStopSequences))
		return
	}

	model, err := s.registry.Current().GetModel(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "model_not_found",
			fmt.Sprintf("model %q is not configured; GET /v1/models lists available models", req.Model))
		return
	}
	if !model.Has(config.CapChat) {
		writeError(w, http.StatusBadRequest, "model_not_found",
			fmt.Sprintf("model %q does not support chat", req.Model))
		return
	}

	if model.Family == config.FamilyTRTLLM {
		s.forwardTRTLLM(w, r, id, model, &req)
		return
	}

	var prompt string
	switch model.Family {
	case config.FamilyHomemade:
		prompt = serializeHomemade(&req)
	default:
		prompt = serializeLlama3(&req)
	}

	completionID := "chatcmpl-" + uuid.NewString()
	baseSeed := uint64(rand.Int63())
	if req.Seed != nil {
		baseSeed = uint64(*req.Seed)
	}

	if req.Stream {
		s.streamChat(w, r, id, model, &req, prompt, completionID, baseSeed)
		return
	}
	s.aggregateChat(w, r, id, model, &req, prompt, completionID, baseSeed)
}

func (s *Server) genParams(req *ChatCompletionRequest, seed uint64) backend.GenParams {
	return backend.GenParams{
		MaxTokens:        req.maxOutputTokens(),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             seed,
		Stop:             req.Stop,
	}
}

type streamOutcome struct {
	index  int
	result *backend.Result
	err    error
}

// aggregateChat waits for all N streams and returns one JSON response.
// Partial failure is tolerated; only an all-fail request errors.
func (s *Server) aggregateChat(w http.ResponseWriter, r *http.Request, id *middleware.Identity,
	model config.Model, req *ChatCompletionRequest, prompt, completionID string, baseSeed uint64) {

	timeout := backend.CollectTimeout
	if req.N > 1 {
		timeout = backend.ParallelTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outcomes := make(chan streamOutcome, req.N)
	for i := 0; i < req.N; i++ {
		go func(i int) {
			requestID := completionID
			if req.N > 1 {
				requestID = fmt.Sprintf("%s-%d", completionID, i)
			}
			sc, err := s.newStream(model, requestID, s.genParams(req, baseSeed+uint64(i)*seedStride))
			if err != nil {
				outcomes <- streamOutcome{index: i, err: err}
				return
			}
			res, err := sc.Run(ctx, prompt, nil)
			outcomes <- streamOutcome{index: i, result: res, err: err}
		}(i)
	}

	var succeeded []streamOutcome
	for i := 0; i < req.N; i++ {
		out := <-outcomes
		if out.err != nil {
			slog.Warn("gateway: generation stream failed",
				"completion_id", completionID, "index", out.index, "error", out.err)
			continue
		}
		succeeded = append(succeeded, out)
	}
	if len(succeeded) == 0 {
		writeError(w, http.StatusInternalServerError, "backend_error", "all generation streams failed")
		return
	}

	parallel := req.ParallelToolCalls == nil || *req.ParallelToolCalls
	counter, counterErr := s.counter(model)

	promptTokens := 0
	completionTokens := 0
	var choices []ChatChoice
	for _, out := range succeeded {
		res := out.result
		if res.PromptTokens > 0 {
			promptTokens = res.PromptTokens
		}

		calls := extractToolCalls(res.Text, parallel)
		finish := res.FinishReason
		msg := &ChatMessage{Role: "assistant", Content: res.Text}
		if len(calls) > 0 {
			finish = "tool_calls"
			msg.ToolCalls = calls
			completionTokens += s.toolCallTokens(ctx, counter, calls, false)
		}

		if counterErr == nil {
			completionTokens += counter.Count(ctx, res.Text)
		} else {
			completionTokens += backend.EstimateTokens(res.Text)
		}

		finishReason := finish
		choices = append(choices, ChatChoice{
			Index:        out.index,
			Message:      msg,
			FinishReason: &finishReason,
		})
	}

	if promptTokens == 0 {
		if counterErr == nil {
			promptTokens = counter.Count(ctx, prompt)
		} else {
			promptTokens = backend.EstimateTokens(prompt)
		}
	}

	usageObj := &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	resp := ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: now().Unix(),
		Model:   model.Name,
		Choices: choices,
		Usage:   usageObj,
	}
	writeJSON(w, http.StatusOK, resp)

	s.recorder.Record(database.UsageRow{
		APIType:          "chat",
		UserID:           id.UserID,
		Model:            model.Name,
		RequestID:        completionID,
		PromptTokens:     promptTokens,
		CompletionTokens: &completionTokens,
		TotalTokens:      usageObj.TotalTokens,
		ExtraData: map[string]interface{}{
			"n":        req.N,
			"choices":  len(choices),
			"stream":   false,
			"username": id.Username,
		},
	})
}

// toolCallTokens prices extracted tool calls against completion tokens. In
// streaming mode the estimate avoids extra counter round-trips.
func (s *Server) toolCallTokens(ctx context.Context, counter *backend.Counter, calls []ToolCall, streaming bool) int {
	total := 0
	for _, c := range calls {
		payload, err := json.Marshal(map[string]interface{}{
			"name":      c.Function.Name,
			"arguments": json.RawMessage(c.Function.Arguments),
		})
		if err != nil {
			continue
		}
		if streaming || counter == nil {
			total += backend.EstimateTokens(string(payload))
		} else {
			total += counter.Count(ctx, string(payload))
		}
	}
	return total
}
