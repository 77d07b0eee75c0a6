package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listModels(t *testing.T, s *Server, scopes ...string) []string {
	t.Helper()
	req := httptest.NewRequest("GET", "/v1/models", nil)
	req = withIdentity(req, scopes...)
	rec := httptest.NewRecorder()
	s.handleModels(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ModelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)

	var ids []string
	for _, m := range resp.Data {
		assert.Equal(t, "model", m.Object)
		ids = append(ids, m.ID)
	}
	return ids
}

func TestModelsFilteredByScope(t *testing.T) {
	s := newTestGateway(t, testModels())

	assert.ElementsMatch(t, []string{"llama", "agent"}, listModels(t, s, "chat:base"))
	assert.ElementsMatch(t, []string{"embedder"}, listModels(t, s, "embeddings:base"))
	assert.ElementsMatch(t, []string{"whisper"}, listModels(t, s, "audio:transcribe"))
	assert.ElementsMatch(t,
		[]string{"llama", "agent", "embedder"},
		listModels(t, s, "chat:base", "embeddings:base"))
	assert.Empty(t, listModels(t, s, "models:read"))
}

func TestModelsAdminSeesAll(t *testing.T) {
	s := newTestGateway(t, testModels())
	assert.ElementsMatch(t,
		[]string{"llama", "agent", "embedder", "whisper"},
		listModels(t, s, "admin"))
}

func TestModelsRequiresIdentity(t *testing.T) {
	s := newTestGateway(t, testModels())
	rec := httptest.NewRecorder()
	s.handleModels(rec, httptest.NewRequest("GET", "/v1/models", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
