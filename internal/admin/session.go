package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/middleware"
)

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// handleLogin trades form credentials for a session token. OAuth2 password
// flow shape: username/password form fields, bearer token out.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "expected form-encoded body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeDetail(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.users.GetByUsername(r.Context(), username)
	if err != nil || !auth.CheckPassword(user.PasswordHash, password) {
		// Same answer for unknown user and wrong password.
		writeDetail(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}
	if user.Disabled {
		writeDetail(w, http.StatusUnauthorized, "user disabled")
		return
	}

	tok, exp, err := s.svc.IssueSession(user.Username, user.Scopes)
	if err != nil {
		slog.Error("admin: session issue failed", "username", username, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot issue session token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: tok, TokenType: "bearer", ExpiresAt: &exp})
}

type userResponse struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Disabled bool     `json:"disabled"`
	Scopes   []string `json:"scopes"`
}

// handleSessionUser returns the authenticated user's own record.
func (s *Server) handleSessionUser(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	user, err := s.users.GetByUsername(r.Context(), id.Username)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{
		ID: user.ID, Username: user.Username, Email: user.Email,
		Disabled: user.Disabled, Scopes: user.Scopes,
	})
}

type changePwdRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword rotates the caller's own password and revokes their
// outstanding API keys; stolen keys should not outlive the old password.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req changePwdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeDetail(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	user, err := s.users.GetByUsername(r.Context(), id.Username)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "user not found")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		writeDetail(w, http.StatusUnauthorized, "incorrect password")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cannot hash password")
		return
	}
	user.PasswordHash = hash
	if err := s.users.Update(r.Context(), user); err != nil {
		slog.Error("admin: password update failed", "username", id.Username, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot update password")
		return
	}
	if err := s.keys.RevokeAllForUser(r.Context(), user.ID); err != nil {
		slog.Warn("admin: key revocation after password change failed",
			"username", id.Username, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "password changed"})
}

// handleRefresh mints a fresh session token for an already-authenticated
// session, restarting the expiry clock.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	tok, exp, err := s.svc.IssueSession(id.Username, id.Scopes)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cannot issue session token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: tok, TokenType: "bearer", ExpiresAt: &exp})
}

type accessInfo struct {
	Username  string   `json:"username"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"token_type"`
	Admin     bool     `json:"admin"`
}

type accessInfoRequest struct {
	Token string `json:"token"`
}

// handleAccessInfo introspects a token. POST bodies carrying {token} are
// verified and reported on; otherwise the presented credential itself is.
// Works for both token classes; API key callers use it to inspect their own
// grants.
func (s *Server) handleAccessInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req accessInfoRequest
		if err := decodeJSON(r, &req); err == nil && req.Token != "" {
			claims, err := s.svc.Verify(r.Context(), req.Token, nil)
			if err != nil {
				writeDetail(w, http.StatusUnauthorized, "invalid token")
				return
			}
			writeJSON(w, http.StatusOK, accessInfo{
				Username:  claims.Subject,
				Scopes:    claims.Scopes,
				TokenType: string(claims.Type),
				Admin:     claims.HasScope(auth.ScopeAdmin),
			})
			return
		}
	}

	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, accessInfo{
		Username:  id.Username,
		Scopes:    id.Scopes,
		TokenType: string(id.TokenType),
		Admin:     id.IsAdmin(),
	})
}
