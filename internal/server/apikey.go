package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/service"
)

type createAPIKeyRequest struct {
	// NeverExpires opts an admin key out of (or back into) expiry; ignored
	// for non-admin users.
	NeverExpires *bool `json:"never_expires,omitempty"`
}

type createAPIKeyResponse struct {
	Key  string         `json:"key"`
	Info service.APIKey `json:"info"`
}

// CreateAPIKeyAPI handles POST /apikey. Session tokens only: machine keys
// must not mint further keys. Issuance revokes the caller's prior keys.
func (s *Server) CreateAPIKeyAPI(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id.TokenType != auth.TokenTypeSession {
		httpResponse(w, "api key management requires a session token", http.StatusForbidden)

		return
	}

	// Body is optional.
	var req createAPIKeyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	neverExpires := req.NeverExpires == nil || *req.NeverExpires

	user, err := s.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		httpResponse(w, "user not found", http.StatusNotFound)

		return
	}

	key, info, err := s.tokens.IssueAPIKey(r.Context(), user, neverExpires)
	if err != nil {
		slog.Error("issue api key failed", "username", user.Username, "error", err)
		httpResponse(w, "failed to issue api key", http.StatusInternalServerError)

		return
	}

	httpResponseJSON(w, createAPIKeyResponse{
		Key:  key,
		Info: *info,
	}, http.StatusCreated)
}

type apiKeysResponse struct {
	Keys []service.APIKey `json:"keys"`
}

// ListAPIKeysAPI handles GET /apikey: the caller's keys, newest first.
func (s *Server) ListAPIKeysAPI(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id.TokenType != auth.TokenTypeSession {
		httpResponse(w, "api key management requires a session token", http.StatusForbidden)

		return
	}

	user, err := s.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		httpResponse(w, "user not found", http.StatusNotFound)

		return
	}

	keys, err := s.store.ListUserAPIKeys(r.Context(), user.ID)
	if err != nil {
		slog.Error("list api keys failed", "username", user.Username, "error", err)
		httpResponse(w, "failed to list api keys", http.StatusInternalServerError)

		return
	}

	if keys == nil {
		keys = []service.APIKey{}
	}

	httpResponseJSON(w, apiKeysResponse{Keys: keys}, http.StatusOK)
}
