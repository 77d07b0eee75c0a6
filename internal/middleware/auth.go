// Package middleware carries the HTTP pre-handlers: authentication, CORS and
// request logging.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
)

// Authenticator verifies bearer credentials and attaches the Identity to the
// request context. Paths on the configured allowlist bypass verification.
type Authenticator struct {
	svc      *auth.Service
	users    *database.UserRepo
	registry *config.Registry
}

func NewAuthenticator(svc *auth.Service, users *database.UserRepo, registry *config.Registry) *Authenticator {
	return &Authenticator{svc: svc, users: users, registry: registry}
}

// extractToken pulls the credential out of the Authorization header. Accepted
// forms: "Bearer <t>", "ApiKey <t>", and a bare token on API-key routes.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(header, "Bearer "):
		return strings.TrimPrefix(header, "Bearer ")
	case strings.HasPrefix(header, "ApiKey "):
		return strings.TrimPrefix(header, "ApiKey ")
	case strings.HasPrefix(r.URL.Path, "/v1/"):
		return header
	}
	return ""
}

// builtinExcludes always bypass verification: login, liveness, metrics and
// the static admin UI.
var builtinExcludes = []string{"/session", "/health", "/metrics", "/docs", "/static/*"}

func (a *Authenticator) excluded(path string) bool {
	paths := append([]string{}, builtinExcludes...)
	paths = append(paths, a.registry.Current().Config().OAuth2.ExcludePaths...)
	for _, p := range paths {
		if p == path || (strings.HasSuffix(p, "*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*"))) {
			return true
		}
	}
	return false
}

// Middleware authenticates every request outside the allowlist with no scope
// requirement; route-level scopes are enforced by Require.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.svc.Verify(r.Context(), extractToken(r), nil)
		if err != nil {
			a.reject(w, err, nil)
			return
		}

		id := &Identity{
			Username:  claims.Subject,
			Scopes:    claims.Scopes,
			TokenType: claims.Type,
			RequestID: uuid.NewString(),
		}
		if user, uerr := a.users.GetByUsername(r.Context(), claims.Subject); uerr == nil {
			id.UserID = user.ID
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Require enforces route scopes against the already-attached identity.
func Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := GetIdentity(r.Context())
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "missing credentials", scopes)
				return
			}
			for _, s := range scopes {
				if !id.HasScope(s) {
					writeAuthError(w, http.StatusForbidden, fmt.Sprintf("scope %q required", s), scopes)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession additionally rejects API-key principals; key management is a
// session-token-only surface.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := GetIdentity(r.Context())
		if err != nil || id.TokenType != auth.TokenSession {
			writeAuthError(w, http.StatusUnauthorized, "session token required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) reject(w http.ResponseWriter, err error, scopes []string) {
	status := http.StatusUnauthorized
	if errors.Is(err, auth.ErrInsufficientScope) {
		status = http.StatusForbidden
	}
	writeAuthError(w, status, err.Error(), scopes)
}

func writeAuthError(w http.ResponseWriter, status int, detail string, scopes []string) {
	challenge := "Bearer"
	if len(scopes) > 0 {
		challenge = fmt.Sprintf("Bearer scope=%q", strings.Join(scopes, " "))
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"detail":%q}`+"\n", detail)
	if status == http.StatusForbidden {
		slog.Debug("auth: scope rejection", "detail", detail)
	}
}
