package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/service"
)

// ─── Admin user management ───

// ListUsersAPI handles GET /admin/users.
func (s *Server) ListUsersAPI(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	users, err := s.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		slog.Error("list users failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list users: %v", err), http.StatusInternalServerError)

		return
	}

	if users == nil {
		users = []service.User{}
	}

	httpResponseJSON(w, map[string]any{"users": users}, http.StatusOK)
}

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Email    string   `json:"email,omitempty"`
	FullName string   `json:"full_name,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// CreateUserAPI handles POST /admin/user.
func (s *Server) CreateUserAPI(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)

		return
	}

	if req.Username == "" || req.Password == "" {
		httpResponse(w, "username and password are required", http.StatusBadRequest)

		return
	}

	scopes := auth.ValidScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = auth.UserScopes
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpResponse(w, "failed to hash password", http.StatusInternalServerError)

		return
	}

	user, err := s.store.CreateUser(r.Context(), service.User{
		Username:     req.Username,
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: hash,
		Disabled:     req.Disabled,
		Scopes:       scopes,
	})
	if err != nil {
		if errors.Is(err, service.ErrConflict) {
			httpResponse(w, fmt.Sprintf("user %q already exists", req.Username), http.StatusConflict)

			return
		}

		slog.Error("create user failed", "username", req.Username, "error", err)
		httpResponse(w, "failed to create user", http.StatusInternalServerError)

		return
	}

	httpResponseJSON(w, user, http.StatusCreated)
}

type updateUserRequest struct {
	Password *string  `json:"password,omitempty"`
	Email    *string  `json:"email,omitempty"`
	FullName *string  `json:"full_name,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Disabled *bool    `json:"disabled,omitempty"`
}

// UpdateUserAPI handles PUT /admin/user/{username}.
func (s *Server) UpdateUserAPI(w http.ResponseWriter, r *http.Request) {
	username := extractUsername(r)
	if username == "" {
		httpResponse(w, "username is required", http.StatusBadRequest)

		return
	}

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)

		return
	}

	current, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		httpResponse(w, fmt.Sprintf("user %q not found", username), http.StatusNotFound)

		return
	}

	update := *current
	if req.Email != nil {
		update.Email = *req.Email
	}
	if req.FullName != nil {
		update.FullName = *req.FullName
	}
	if req.Disabled != nil {
		update.Disabled = *req.Disabled
	}
	if len(req.Scopes) > 0 {
		update.Scopes = auth.ValidScopes(req.Scopes)
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			httpResponse(w, "failed to hash password", http.StatusInternalServerError)

			return
		}
		update.PasswordHash = hash
	} else {
		update.PasswordHash = ""
	}

	user, err := s.store.UpdateUser(r.Context(), username, update)
	if err != nil {
		slog.Error("update user failed", "username", username, "error", err)
		httpResponse(w, "failed to update user", http.StatusInternalServerError)

		return
	}

	httpResponseJSON(w, user, http.StatusOK)
}

// DeleteUserAPI handles DELETE /admin/user/{username}. The seeded admin
// account cannot be deleted.
func (s *Server) DeleteUserAPI(w http.ResponseWriter, r *http.Request) {
	username := extractUsername(r)
	if username == "" {
		httpResponse(w, "username is required", http.StatusBadRequest)

		return
	}

	if username == "admin" {
		httpResponse(w, "the admin user cannot be deleted", http.StatusForbidden)

		return
	}

	if err := s.store.DeleteUser(r.Context(), username); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			httpResponse(w, fmt.Sprintf("user %q not found", username), http.StatusNotFound)

			return
		}

		slog.Error("delete user failed", "username", username, "error", err)
		httpResponse(w, "failed to delete user", http.StatusInternalServerError)

		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// RevokeUserKeysAPI handles POST /admin/user/{username}/revoke.
func (s *Server) RevokeUserKeysAPI(w http.ResponseWriter, r *http.Request) {
	username := extractUsername(r)
	if username == "" {
		httpResponse(w, "username is required", http.StatusBadRequest)

		return
	}

	user, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		httpResponse(w, fmt.Sprintf("user %q not found", username), http.StatusNotFound)

		return
	}

	if err := s.store.RevokeUserAPIKeys(r.Context(), user.ID); err != nil {
		slog.Error("revoke user keys failed", "username", username, "error", err)
		httpResponse(w, "failed to revoke keys", http.StatusInternalServerError)

		return
	}

	httpResponse(w, "revoked", http.StatusOK)
}

// UsageSummaryAPI handles GET /admin/usage?days=N.
func (s *Server) UsageSummaryAPI(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	summary, err := s.store.SummarizeUsage(r.Context(), days)
	if err != nil {
		slog.Error("usage summary failed", "error", err)
		httpResponse(w, "failed to summarize usage", http.StatusInternalServerError)

		return
	}

	if summary == nil {
		summary = []service.UsageSummary{}
	}

	httpResponseJSON(w, map[string]any{"usage": summary}, http.StatusOK)
}

// extractUsername pulls the username segment from /admin/user/{username}[/...].
func extractUsername(r *http.Request) string {
	path := r.URL.Path

	idx := strings.Index(path, "/admin/user/")
	if idx < 0 {
		return ""
	}

	rest := strings.TrimPrefix(path[idx:], "/admin/user/")
	rest = strings.TrimSuffix(rest, "/revoke")
	rest = strings.TrimSuffix(rest, "/")

	return rest
}
