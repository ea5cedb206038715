package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func middlewareFixture(t *testing.T) (*Middleware, string) {
	t.Helper()

	m, store := testManager(t)
	createUser(t, store, "alice", []string{ScopeChat})

	token, _, err := m.IssueSession("alice", []string{ScopeChat})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	return &Middleware{Manager: m, ExcludePaths: []string{"/docs"}}, token
}

func serveWith(mw func(http.Handler) http.Handler, r *http.Request) (*httptest.ResponseRecorder, *Identity) {
	var got *Identity

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	return rec, got
}

func TestMiddlewareBearer(t *testing.T) {
	mw, token := middlewareFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	rec, id := serveWith(mw.Required(ScopeChat), r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if id == nil || id.UserID != "alice" {
		t.Fatalf("identity = %+v, want alice", id)
	}
	if id.RequestID == "" {
		t.Fatal("request id must be assigned")
	}
}

func TestMiddlewareApiKeyScheme(t *testing.T) {
	mw, token := middlewareFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Authorization", "ApiKey "+token)

	rec, _ := serveWith(mw.Required(), r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareBareToken(t *testing.T) {
	mw, token := middlewareFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", token)

	// Bare tokens pass only on API routes.
	rec, _ := serveWith(mw.RequiredAPI(ScopeChat), r)
	if rec.Code != http.StatusOK {
		t.Fatalf("bare token on API route: status = %d, want 200", rec.Code)
	}

	rec, _ = serveWith(mw.Required(ScopeChat), r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bare token on non-API route: status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareMissingCredentials(t *testing.T) {
	mw, _ := middlewareFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	rec, _ := serveWith(mw.Required(ScopeChat), r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("401 must carry WWW-Authenticate")
	}
}

func TestMiddlewareScopeMiss(t *testing.T) {
	mw, token := middlewareFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	rec, _ := serveWith(mw.Required(ScopeEmbeddings), r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestMiddlewareExcludedPath(t *testing.T) {
	mw, _ := middlewareFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/docs/index.html", nil)

	rec, _ := serveWith(mw.Required(ScopeAdmin), r)
	if rec.Code != http.StatusOK {
		t.Fatalf("excluded path: status = %d, want 200", rec.Code)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), &Identity{UserID: "x"})

	id, ok := IdentityFrom(ctx)
	if !ok || id.UserID != "x" {
		t.Fatalf("IdentityFrom = %+v, %v", id, ok)
	}
}
