package admin

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	pool, err := sql.Open("postgres", "host=localhost")
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	db := database.NewWithPool(pool, "")

	registry := config.NewRegistryFromConfig(&config.Config{
		OAuth2: config.OAuth2Config{
			SecretKey:                "admin-test-secret",
			Algorithm:                "HS256",
			AccessTokenExpireMinutes: 30,
			UserTokenExpireDays:      30,
			DefaultAdmin:             config.DefaultAdmin{Username: "admin"},
		},
	})
	svc := auth.NewService(registry, db.Users(), db.APIKeys())
	return NewServer(registry, svc, db.Users(), db.APIKeys())
}

func asUser(r *http.Request, username string, scopes ...string) *http.Request {
	id := &middleware.Identity{
		UserID:    7,
		Username:  username,
		Scopes:    scopes,
		TokenType: auth.TokenSession,
	}
	return r.WithContext(middleware.WithIdentity(r.Context(), id))
}

func TestLoginRequiresCredentials(t *testing.T) {
	s := newTestServer(t)

	form := url.Values{"username": {"alice"}}
	req := httptest.NewRequest("POST", "/session", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handleLogin(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginUnknownUserIsUnauthorized(t *testing.T) {
	s := newTestServer(t)

	form := url.Values{"username": {"ghost"}, "password": {"whatever"}}
	req := httptest.NewRequest("POST", "/session", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handleLogin(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccessInfoReflectsIdentity(t *testing.T) {
	s := newTestServer(t)

	req := asUser(httptest.NewRequest("GET", "/access/info", nil), "carol", auth.ScopeChat)
	rec := httptest.NewRecorder()
	s.handleAccessInfo(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info accessInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "carol", info.Username)
	assert.Equal(t, []string{auth.ScopeChat}, info.Scopes)
	assert.Equal(t, "session", info.TokenType)
	assert.False(t, info.Admin)
}

func TestAccessInfoIntrospectsPostedToken(t *testing.T) {
	s := newTestServer(t)
	tok, _, err := s.svc.IssueSession("dave", []string{auth.ScopeEmbeddings})
	require.NoError(t, err)

	// The caller's own identity is carol; the report must describe the
	// posted token instead.
	body := `{"token":"` + tok + `"}`
	req := asUser(httptest.NewRequest("POST", "/access/info", strings.NewReader(body)),
		"carol", auth.ScopeChat)
	rec := httptest.NewRecorder()
	s.handleAccessInfo(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info accessInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "dave", info.Username)
	assert.Equal(t, []string{auth.ScopeEmbeddings}, info.Scopes)
	assert.Equal(t, "session", info.TokenType)
	assert.False(t, info.Admin)
}

func TestAccessInfoRejectsInvalidPostedToken(t *testing.T) {
	s := newTestServer(t)

	req := asUser(httptest.NewRequest("POST", "/access/info",
		strings.NewReader(`{"token":"not-a-jwt"}`)), "carol", auth.ScopeChat)
	rec := httptest.NewRecorder()
	s.handleAccessInfo(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccessInfoWithoutIdentity(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleAccessInfo(rec, httptest.NewRequest("GET", "/access/info", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshIssuesNewToken(t *testing.T) {
	s := newTestServer(t)

	req := asUser(httptest.NewRequest("POST", "/access/refresh", nil), "carol", auth.ScopeChat)
	rec := httptest.NewRecorder()
	s.handleRefresh(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "bearer", resp.TokenType)
	require.NotNil(t, resp.ExpiresAt)
}

func TestChangePasswordRejectsShortPassword(t *testing.T) {
	s := newTestServer(t)

	body := `{"current_password":"old","new_password":"short"}`
	req := asUser(httptest.NewRequest("POST", "/session/changePwd", strings.NewReader(body)), "carol")
	rec := httptest.NewRecorder()
	s.handleChangePassword(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangePasswordDecodesCurrentPassword(t *testing.T) {
	s := newTestServer(t)

	// A well-formed body clears validation and proceeds to the user lookup,
	// which fails against the dead store with 404 rather than 400.
	body := `{"current_password":"oldsecret","new_password":"longenough"}`
	req := asUser(httptest.NewRequest("POST", "/session/changePwd", strings.NewReader(body)), "carol")
	rec := httptest.NewRecorder()
	s.handleChangePassword(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUserValidations(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing username", `{"password":"longenough"}`},
		{"short password", `{"username":"dave","password":"short"}`},
		{"unknown scope", `{"username":"dave","password":"longenough","scopes":["everything"]}`},
		{"invalid json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest("POST", "/admin/users", strings.NewReader(tc.body)),
				"admin", auth.ScopeAdmin)
			rec := httptest.NewRecorder()
			s.handleCreateUser(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRevokeAPIKeyRequiresKey(t *testing.T) {
	s := newTestServer(t)

	req := asUser(httptest.NewRequest("POST", "/apikey/revoke", strings.NewReader(`{}`)), "carol")
	rec := httptest.NewRecorder()
	s.handleRevokeAPIKey(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireAdminScope(t *testing.T) {
	s := newTestServer(t)
	router := mux.NewRouter()
	s.Register(router)

	req := asUser(httptest.NewRequest("GET", "/admin/users", nil), "carol", auth.ScopeChat)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPIKeyRoutesRejectAPIKeyTokens(t *testing.T) {
	s := newTestServer(t)
	router := mux.NewRouter()
	s.Register(router)

	id := &middleware.Identity{Username: "carol", TokenType: auth.TokenAPIKey}
	req := httptest.NewRequest("GET", "/apikey", nil)
	req = req.WithContext(middleware.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPathIDRejectsGarbage(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest("GET", "/admin/users/abc", nil),
		map[string]string{"id": "abc"})
	_, err := pathID(req)
	assert.Error(t, err)
}
