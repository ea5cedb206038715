package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/service"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

// LoginAPI handles POST /session: form login returning a session token.
func (s *Server) LoginAPI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpResponse(w, "invalid form body", http.StatusBadRequest)

		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		httpResponse(w, "username and password are required", http.StatusBadRequest)

		return
	}

	user, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			slog.Error("login lookup failed", "username", username, "error", err)
		}
		// Uniform answer for unknown user and wrong password.
		s.loginRejected(w)

		return
	}

	if user.Disabled || !auth.CheckPassword(user.PasswordHash, password) {
		s.loginRejected(w)

		return
	}

	token, expiresAt, err := s.tokens.IssueSession(user.Username, user.Scopes)
	if err != nil {
		slog.Error("issue session token failed", "username", username, "error", err)
		httpResponse(w, "failed to issue token", http.StatusInternalServerError)

		return
	}

	httpResponseJSON(w, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt.Unix(),
	}, http.StatusOK)
}

func (s *Server) loginRejected(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httpResponse(w, "incorrect username or password", http.StatusUnauthorized)
}

// SessionUserAPI handles GET /session/user: the caller's profile.
func (s *Server) SessionUserAPI(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	user, err := s.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		slog.Error("session user lookup failed", "username", id.UserID, "error", err)
		httpResponse(w, "user not found", http.StatusNotFound)

		return
	}

	httpResponseJSON(w, user, http.StatusOK)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePasswordAPI handles POST /session/changePwd.
func (s *Server) ChangePasswordAPI(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)

		return
	}

	if req.NewPassword == "" {
		httpResponse(w, "new_password is required", http.StatusBadRequest)

		return
	}

	id := identity(r)

	user, err := s.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		httpResponse(w, "user not found", http.StatusNotFound)

		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		httpResponse(w, "incorrect password", http.StatusUnauthorized)

		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		slog.Error("hash password failed", "error", err)
		httpResponse(w, "failed to update password", http.StatusInternalServerError)

		return
	}

	update := *user
	update.PasswordHash = hash
	if _, err := s.store.UpdateUser(r.Context(), user.Username, update); err != nil {
		slog.Error("password update failed", "username", user.Username, "error", err)
		httpResponse(w, "failed to update password", http.StatusInternalServerError)

		return
	}

	httpResponse(w, "password updated", http.StatusOK)
}

// RefreshAPI handles POST /access/refresh: a fresh session token for the
// authenticated principal.
func (s *Server) RefreshAPI(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	user, err := s.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		httpResponse(w, "user not found", http.StatusNotFound)

		return
	}

	token, expiresAt, err := s.tokens.IssueSession(user.Username, user.Scopes)
	if err != nil {
		slog.Error("refresh token failed", "username", user.Username, "error", err)
		httpResponse(w, "failed to issue token", http.StatusInternalServerError)

		return
	}

	httpResponseJSON(w, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt.Unix(),
	}, http.StatusOK)
}

type tokenInfoRequest struct {
	Token string `json:"token"`
}

type tokenInfoResponse struct {
	Subject   string   `json:"sub"`
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"type"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp,omitempty"`
	Active    bool     `json:"active"`
	Reason    string   `json:"reason,omitempty"`
}

// TokenInfoAPI handles POST /access/info: decode an arbitrary token and
// report its claims and store state.
func (s *Server) TokenInfoAPI(w http.ResponseWriter, r *http.Request) {
	var req tokenInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		httpResponse(w, "token is required", http.StatusBadRequest)

		return
	}

	claims, err := s.tokens.Decode(req.Token)
	if err != nil {
		httpResponseJSON(w, tokenInfoResponse{Active: false, Reason: err.Error()}, http.StatusOK)

		return
	}

	resp := tokenInfoResponse{
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		TokenType: claims.TokenType,
		IssuedAt:  claims.IssuedAt.Unix(),
		Active:    true,
	}
	if !claims.ExpiresAt.IsZero() {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
		if claims.ExpiresAt.Before(time.Now()) {
			resp.Active = false
			resp.Reason = "expired"
		}
	}

	if resp.Active {
		if _, err := s.tokens.Verify(r.Context(), req.Token, nil); err != nil {
			resp.Active = false
			resp.Reason = err.Error()
		}
	}

	httpResponseJSON(w, resp, http.StatusOK)
}
