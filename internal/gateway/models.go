package gateway

import (
	"net/http"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/middleware"
)

// capabilityScopes maps a model capability onto the scope that may use it.
var capabilityScopes = map[config.Capability]string{
	config.CapChat:       auth.ScopeChat,
	config.CapEmbeddings: auth.ScopeEmbeddings,
	config.CapAudio:      auth.ScopeAudio,
}

// handleModels lists the models the caller can actually reach: a model shows
// up when the caller holds the scope for at least one of its capabilities.
// Admins see everything.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.GetIdentity(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
		return
	}

	snapshot := s.registry.Current()
	created := now().Unix()

	data := []ModelObject{}
	for _, m := range snapshot.AllModels() {
		if !id.IsAdmin() && !reachable(id, m) {
			continue
		}
		obj := ModelObject{
			ID:      m.Name,
			Object:  "model",
			Created: created,
			OwnedBy: "organization",
		}
		if c, ok := m.Metadata["created"].(int); ok {
			obj.Created = int64(c)
		}
		if owner, ok := m.Metadata["owned_by"].(string); ok {
			obj.OwnedBy = owner
		}
		data = append(data, obj)
	}

	writeJSON(w, http.StatusOK, ModelListResponse{Object: "list", Data: data})
}

func reachable(id *middleware.Identity, m config.Model) bool {
	for cap, scope := range capabilityScopes {
		if m.Has(cap) && id.HasScope(scope) {
			return true
		}
	}
	return false
}
