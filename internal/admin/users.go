package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/database"
)

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func toUserResponse(u *database.User) userResponse {
	return userResponse{
		ID: u.ID, Username: u.Username, Email: u.Email,
		Disabled: u.Disabled, Scopes: u.Scopes,
	}
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	users, err := s.users.List(r.Context(), limit, offset)
	if err != nil {
		slog.Error("admin: user list failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot list users")
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": out})
}

type createUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Password string   `json:"password"`
	Disabled bool     `json:"disabled,omitempty"`
	Scopes   []string `json:"scopes"`
}

func validateScopes(scopes []string) error {
	for _, sc := range scopes {
		if !auth.ValidScope(sc) {
			return fmt.Errorf("unknown scope %q", sc)
		}
	}
	return nil
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" {
		writeDetail(w, http.StatusBadRequest, "username is required")
		return
	}
	if len(req.Password) < 8 {
		writeDetail(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if err := validateScopes(req.Scopes); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "cannot hash password")
		return
	}

	user, err := s.users.Create(r.Context(), &database.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Disabled:     req.Disabled,
		Scopes:       req.Scopes,
	})
	if err != nil {
		if errors.Is(err, database.ErrConstraint) {
			writeDetail(w, http.StatusConflict, fmt.Sprintf("username %q already exists", req.Username))
			return
		}
		slog.Error("admin: user create failed", "username", req.Username, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot create user")
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "user not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "cannot load user")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

type updateUserRequest struct {
	Email    *string   `json:"email,omitempty"`
	Password *string   `json:"password,omitempty"`
	Disabled *bool     `json:"disabled,omitempty"`
	Scopes   *[]string `json:"scopes,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "user not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "cannot load user")
		return
	}

	defaultAdmin := s.registry.Current().Config().OAuth2.DefaultAdmin.Username
	if user.Username == defaultAdmin {
		// The bootstrap admin can rotate its password but never lose admin
		// or get disabled; lockout would require database surgery to undo.
		if req.Disabled != nil && *req.Disabled {
			writeDetail(w, http.StatusBadRequest, "the default admin cannot be disabled")
			return
		}
		if req.Scopes != nil && !containsScope(*req.Scopes, auth.ScopeAdmin) {
			writeDetail(w, http.StatusBadRequest, "the default admin must keep the admin scope")
			return
		}
	}

	revokeKeys := false
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			writeDetail(w, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}
		hash, herr := auth.HashPassword(*req.Password)
		if herr != nil {
			writeDetail(w, http.StatusInternalServerError, "cannot hash password")
			return
		}
		user.PasswordHash = hash
		revokeKeys = true
	}
	if req.Disabled != nil {
		user.Disabled = *req.Disabled
		revokeKeys = revokeKeys || *req.Disabled
	}
	if req.Scopes != nil {
		if err := validateScopes(*req.Scopes); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		// Keys signed with the old scope set keep honoring it until revoked;
		// cut them so narrowing takes effect immediately.
		user.Scopes = *req.Scopes
		revokeKeys = true
	}

	if err := s.users.Update(r.Context(), user); err != nil {
		slog.Error("admin: user update failed", "user_id", id, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot update user")
		return
	}
	if revokeKeys {
		if err := s.keys.RevokeAllForUser(r.Context(), user.ID); err != nil {
			slog.Warn("admin: key revocation after user update failed", "user_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "user not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "cannot load user")
		return
	}
	if user.Username == s.registry.Current().Config().OAuth2.DefaultAdmin.Username {
		writeDetail(w, http.StatusBadRequest, "the default admin cannot be deleted")
		return
	}

	if err := s.users.Delete(r.Context(), id); err != nil {
		slog.Error("admin: user delete failed", "user_id", id, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot delete user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "user deleted"})
}

// handleRevokeUserKeys cuts every active key a user holds; the admin hammer
// for compromised accounts.
func (s *Server) handleRevokeUserKeys(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if _, err := s.users.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "user not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "cannot load user")
		return
	}
	if err := s.keys.RevokeAllForUser(r.Context(), id); err != nil {
		slog.Error("admin: key revocation failed", "user_id", id, "error", err)
		writeDetail(w, http.StatusInternalServerError, "cannot revoke keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "api keys revoked"})
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
