package admin

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

type createKeyRequest struct {
	NeverExpires *bool `json:"never_expires,omitempty"`
}

type apiKeyResponse struct {
	APIKey    string     `json:"api_key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
	CreatedAt time.Time  `json:"created_at"`
}

// handleCreateAPIKey mints a long-lived key for the session's own user.
// Issuing a new key revokes the prior one; a user holds one active key.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createKeyRequest
	if derr := decodeJSON(r, &req); derr != nil && !errors.Is(derr, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.users.GetByUsername(r.Context(), id.Username)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "user not found")
		return
	}

	tok, expiresAt, err := s.svc.IssueAPIKey(r.Context(), user, req.NeverExpires)
	if err != nil {
		slog.Error("admin: api key issue failed", "username", id.Username, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot issue api key")
		return
	}
	writeJSON(w, http.StatusOK, apiKeyResponse{
		APIKey:    tok,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	})
}

// handleListAPIKeys lists the caller's own keys, revoked ones included, so
// the UI can show rotation history.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
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

	rows, err := s.keys.ListForUser(r.Context(), user.ID)
	if err != nil {
		slog.Error("admin: api key list failed", "username", id.Username, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot list api keys")
		return
	}

	out := make([]apiKeyResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, apiKeyResponse{
			APIKey:    row.Key,
			ExpiresAt: row.ExpiresAt,
			Revoked:   row.Revoked,
			CreatedAt: row.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": out})
}

type revokeKeyRequest struct {
	APIKey string `json:"api_key"`
}

// handleRevokeAPIKey revokes one of the caller's keys. Only the owner (or an
// admin) may revoke a key.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req revokeKeyRequest
	if err := decodeJSON(r, &req); err != nil || req.APIKey == "" {
		writeDetail(w, http.StatusBadRequest, "api_key is required")
		return
	}

	row, err := s.keys.Get(r.Context(), req.APIKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "api key not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "cannot look up api key")
		return
	}
	if !id.IsAdmin() && row.UserID != id.UserID {
		writeDetail(w, http.StatusForbidden, "not your api key")
		return
	}

	if err := s.keys.Revoke(r.Context(), req.APIKey); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Already revoked.
			writeJSON(w, http.StatusOK, map[string]string{"detail": "api key revoked"})
			return
		}
		writeDetail(w, http.StatusInternalServerError, "cannot revoke api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "api key revoked"})
}
