package server

import (
	"net/http"
	"time"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/config"
)

// capabilityScopes maps model capabilities to the scope a caller needs
// before the model is listed.
var capabilityScopes = map[string]string{
	config.CapChat:      auth.ScopeChat,
	config.CapEmbedding: auth.ScopeEmbeddings,
	config.CapAudio:     auth.ScopeAudioTranscribe,
}

// ListModelsAPI handles GET /v1/models. A caller sees the models whose
// capability set intersects its scopes; admin sees everything.
func (s *Server) ListModelsAPI(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	data := []ModelData{}
	for _, model := range s.registry.AllModels() {
		if !s.modelVisible(model.ModelConfig, id) {
			continue
		}

		created := time.Now().Unix()
		ownedBy := "modelfront"

		if meta := model.Response; meta != nil {
			if v, ok := meta["created"].(int); ok {
				created = int64(v)
			}
			if v, ok := meta["created"].(int64); ok {
				created = v
			}
			if v, ok := meta["owned_by"].(string); ok && v != "" {
				ownedBy = v
			}
		}

		data = append(data, ModelData{
			ID:      model.Name,
			Object:  "model",
			Created: created,
			OwnedBy: ownedBy,
		})
	}

	httpResponseJSON(w, ModelsResponse{
		Object: "list",
		Data:   data,
	}, http.StatusOK)
}

func (s *Server) modelVisible(model config.ModelConfig, id *auth.Identity) bool {
	if id == nil {
		return false
	}

	for cap, scope := range capabilityScopes {
		if model.Has(cap) && auth.HasScopes(id.Scopes, []string{scope}) {
			return true
		}
	}

	return false
}
