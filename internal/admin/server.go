// Package admin hosts the management surface: session login, API key
// issuance, token introspection and user administration.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/middleware"
)

type Server struct {
	registry *config.Registry
	svc      *auth.Service
	users    *database.UserRepo
	keys     *database.APIKeyRepo
}

func NewServer(registry *config.Registry, svc *auth.Service, users *database.UserRepo, keys *database.APIKeyRepo) *Server {
	return &Server{registry: registry, svc: svc, users: users, keys: keys}
}

// Register mounts the management routes. /session (login) sits on the auth
// allowlist; everything else runs behind the authenticator.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/session", s.handleLogin).Methods("POST")
	r.Handle("/session/user", middleware.RequireSession(http.HandlerFunc(s.handleSessionUser))).Methods("GET")
	r.Handle("/session/changePwd", middleware.RequireSession(http.HandlerFunc(s.handleChangePassword))).Methods("POST")

	r.HandleFunc("/access/info", s.handleAccessInfo).Methods("GET", "POST")
	r.Handle("/access/refresh", middleware.RequireSession(http.HandlerFunc(s.handleRefresh))).Methods("POST")

	r.Handle("/apikey", middleware.RequireSession(http.HandlerFunc(s.handleCreateAPIKey))).Methods("POST")
	r.Handle("/apikey", middleware.RequireSession(http.HandlerFunc(s.handleListAPIKeys))).Methods("GET")
	r.Handle("/apikey/revoke", middleware.RequireSession(http.HandlerFunc(s.handleRevokeAPIKey))).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.Require(auth.ScopeAdmin))
	admin.HandleFunc("/users", s.handleListUsers).Methods("GET")
	admin.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	admin.HandleFunc("/users/{id:[0-9]+}", s.handleGetUser).Methods("GET")
	admin.HandleFunc("/users/{id:[0-9]+}", s.handleUpdateUser).Methods("PUT")
	admin.HandleFunc("/users/{id:[0-9]+}", s.handleDeleteUser).Methods("DELETE")
	admin.HandleFunc("/users/{id:[0-9]+}/revoke", s.handleRevokeUserKeys).Methods("POST")
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
