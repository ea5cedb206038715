package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/openinfer/modelfront/internal/auth"
)

func loginRequest(username, password string) *http.Request {
	form := url.Values{"username": {username}, "password": {password}}
	r := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return r
}

func TestLoginSeededAdmin(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.LoginAPI(rec, loginRequest("admin", "seed-password"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AccessToken == "" || resp.TokenType != "bearer" || resp.ExpiresAt == 0 {
		t.Fatalf("token response = %+v", resp)
	}

	// Issued token verifies as an admin session.
	claims, err := f.srv.tokens.Verify(context.Background(), resp.AccessToken, []string{auth.ScopeAdmin})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "admin" || claims.TokenType != auth.TokenTypeSession {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)

	for _, tc := range [][2]string{
		{"admin", "wrong"},
		{"ghost", "whatever"},
	} {
		rec := httptest.NewRecorder()
		f.srv.LoginAPI(rec, loginRequest(tc[0], tc[1]))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("login %q: status = %d, want 401", tc[0], rec.Code)
		}
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", "old-password", auth.ScopeChat)

	body := `{"current_password": "old-password", "new_password": "new-password"}`
	r := httptest.NewRequest(http.MethodPost, "/session/changePwd", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ChangePasswordAPI(rec, authed(r, "alice", auth.TokenTypeSession, auth.ScopeChat))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// Old password rejected, new one accepted.
	rec = httptest.NewRecorder()
	f.srv.LoginAPI(rec, loginRequest("alice", "old-password"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("old password: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.srv.LoginAPI(rec, loginRequest("alice", "new-password"))
	if rec.Code != http.StatusOK {
		t.Fatalf("new password: status = %d", rec.Code)
	}
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "bob", "pw", auth.ScopeChat)

	body := `{"current_password": "nope", "new_password": "x"}`
	r := httptest.NewRequest(http.MethodPost, "/session/changePwd", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ChangePasswordAPI(rec, authed(r, "bob", auth.TokenTypeSession))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyMintAndSupersede(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "carol", "pw", auth.ScopeChat)

	mint := func() createAPIKeyResponse {
		r := httptest.NewRequest(http.MethodPost, "/apikey", nil)
		rec := httptest.NewRecorder()
		f.srv.CreateAPIKeyAPI(rec, authed(r, "carol", auth.TokenTypeSession, auth.ScopeChat))

		if rec.Code != http.StatusCreated {
			t.Fatalf("mint status = %d: %s", rec.Code, rec.Body.String())
		}

		var resp createAPIKeyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}

		return resp
	}

	first := mint()
	second := mint()

	if _, err := f.srv.tokens.Verify(context.Background(), first.Key, nil); err == nil {
		t.Fatal("first key must be revoked after supersession")
	}
	if _, err := f.srv.tokens.Verify(context.Background(), second.Key, []string{auth.ScopeChat}); err != nil {
		t.Fatalf("second key must be active: %v", err)
	}
}

func TestAPIKeyRequiresSessionToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "dave", "pw", auth.ScopeChat)

	r := httptest.NewRequest(http.MethodPost, "/apikey", nil)
	rec := httptest.NewRecorder()
	f.srv.CreateAPIKeyAPI(rec, authed(r, "dave", auth.TokenTypeAPIKey, auth.ScopeChat))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestTokenInfo(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "erin", "pw", auth.ScopeChat)

	token, _, err := f.srv.tokens.IssueSession("erin", []string{auth.ScopeChat})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	body, _ := json.Marshal(tokenInfoRequest{Token: token})
	r := httptest.NewRequest(http.MethodPost, "/access/info", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	f.srv.TokenInfoAPI(rec, authed(r, "erin", auth.TokenTypeSession))

	var resp tokenInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !resp.Active || resp.Subject != "erin" || resp.TokenType != auth.TokenTypeSession {
		t.Fatalf("info = %+v", resp)
	}
}

func TestAdminCannotBeDeleted(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodDelete, "/admin/user/admin", nil)
	rec := httptest.NewRecorder()
	f.srv.DeleteUserAPI(rec, authed(r, "admin", auth.TokenTypeSession, auth.ScopeAdmin))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	f := newFixture(t)

	// Create.
	body := `{"username": "worker", "password": "pw", "scopes": ["chat:base"]}`
	r := httptest.NewRequest(http.MethodPost, "/admin/user", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.CreateUserAPI(rec, authed(r, "admin", auth.TokenTypeSession, auth.ScopeAdmin))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	// Duplicate conflicts.
	r = httptest.NewRequest(http.MethodPost, "/admin/user", strings.NewReader(body))
	rec = httptest.NewRecorder()
	f.srv.CreateUserAPI(rec, authed(r, "admin", auth.TokenTypeSession, auth.ScopeAdmin))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}

	// Delete.
	r = httptest.NewRequest(http.MethodDelete, "/admin/user/worker", nil)
	rec = httptest.NewRecorder()
	f.srv.DeleteUserAPI(rec, authed(r, "admin", auth.TokenTypeSession, auth.ScopeAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	// Gone.
	r = httptest.NewRequest(http.MethodDelete, "/admin/user/worker", nil)
	rec = httptest.NewRecorder()
	f.srv.DeleteUserAPI(rec, authed(r, "admin", auth.TokenTypeSession, auth.ScopeAdmin))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestListModelsFiltersByScope(t *testing.T) {
	f := newFixture(t)

	list := func(scopes ...string) ModelsResponse {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		rec := httptest.NewRecorder()
		f.srv.ListModelsAPI(rec, authed(r, "alice", auth.TokenTypeAPIKey, scopes...))

		var resp ModelsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}

		return resp
	}

	chatOnly := list(auth.ScopeModelsRead, auth.ScopeChat)
	for _, m := range chatOnly.Data {
		if m.ID == "nv-embed-v2" || m.ID == "whisper-large-v3" {
			t.Fatalf("chat-scoped caller must not see %q", m.ID)
		}
	}
	if len(chatOnly.Data) != 2 {
		t.Fatalf("chat models = %+v", chatOnly.Data)
	}

	all := list(auth.ScopeAdmin)
	if len(all.Data) != 4 {
		t.Fatalf("admin must see all models, got %+v", all.Data)
	}
}
