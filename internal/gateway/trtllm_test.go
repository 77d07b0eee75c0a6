package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/gateway/internal/config"
)

// trtGateway wires a gateway whose "trt" model forwards to the given upstream.
func trtGateway(t *testing.T, upstream *httptest.Server) *Server {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	models := testModels()
	models["trt"] = config.ModelConfig{
		Host: u.Hostname(), Port: port, Family: "trtllm",
		Type: []string{"chat:base"},
	}
	return newTestGateway(t, models)
}

func TestTRTLLMForwardPlainCompletion(t *testing.T) {
	var captured map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(ChatCompletionResponse{
			ID:     "chatcmpl-upstream",
			Object: "chat.completion",
			Model:  "trt",
			Choices: []ChatChoice{{
				Index:        0,
				Message:      &ChatMessage{Role: "assistant", Content: "forwarded answer"},
				FinishReason: strPtr("stop"),
			}},
			Usage: &Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
		})
	}))
	defer upstream.Close()

	s := trtGateway(t, upstream)
	rec := postChat(t, s, `{"model":"trt","messages":[{"role":"user","content":"hi"}],"stop":["END"],"temperature":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeChat(t, rec)
	assert.Equal(t, "chatcmpl-upstream", resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "forwarded answer", resp.Choices[0].Message.Content)

	// Stop and temperature pass through to the upstream body.
	assert.Equal(t, []interface{}{"END"}, captured["stop"])
	assert.Equal(t, 0.5, captured["temperature"])
	assert.Nil(t, captured["structural_tags"])
}

func TestTRTLLMForwardInjectsToolPrompt(t *testing.T) {
	var captured map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(ChatCompletionResponse{
			ID: "chatcmpl-upstream",
			Choices: []ChatChoice{{
				Index: 0,
				Message: &ChatMessage{
					Role:    "assistant",
					Content: `<|channel|>commentary to=get_weather <|constrain|>json<|message|>{"city": "Paris"}<|call|>`,
				},
				FinishReason: strPtr("stop"),
			}},
		})
	}))
	defer upstream.Close()

	s := trtGateway(t, upstream)
	rec := postChat(t, s, `{"model":"trt","messages":[{"role":"user","content":"weather?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","description":"Fetch weather",
		"parameters":{"type":"object"}}}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A derived system message leads the forwarded history.
	msgs, ok := captured["messages"].([]interface{})
	require.True(t, ok)
	require.GreaterOrEqual(t, len(msgs), 2)
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "namespace functions")
	assert.Contains(t, first["content"], "get_weather")
	assert.NotNil(t, captured["structural_tags"])

	// Channel-tagged tool calls come back lifted into tool_calls.
	resp := decodeChat(t, rec)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "tool_calls", *resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.Choices[0].Message.ToolCalls[0].Function.Name)
}

func TestTRTLLMForwardUpstreamErrorPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer upstream.Close()

	s := trtGateway(t, upstream)
	rec := postChat(t, s, `{"model":"trt","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "overloaded")
}

func TestTRTLLMForwardUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing listening anymore

	s := trtGateway(t, upstream)
	rec := postChat(t, s, `{"model":"trt","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func strPtr(s string) *string { return &s }
