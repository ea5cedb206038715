package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey struct{}

// Identity is the authenticated principal attached to the request context.
type Identity struct {
	UserID    string
	Scopes    []string
	TokenType string
	RequestID string
}

// IdentityFrom returns the identity stored by the middleware, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)

	return id, ok
}

// WithIdentity returns a context carrying the identity. Exported for tests.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware builds per-route authentication middleware around a Manager.
type Middleware struct {
	Manager *Manager

	// ExcludePaths lists path prefixes that bypass verification entirely
	// (docs, static UI, health probes).
	ExcludePaths []string
}

// Required returns middleware enforcing the given scopes. An empty scope list
// admits any authenticated principal.
func (m *Middleware) Required(scopes ...string) func(http.Handler) http.Handler {
	return m.middleware(scopes, false)
}

// RequiredAPI behaves like Required but additionally accepts a bare token
// without an auth scheme, for OpenAI-style API routes whose clients send the
// key verbatim.
func (m *Middleware) RequiredAPI(scopes ...string) func(http.Handler) http.Handler {
	return m.middleware(scopes, true)
}

func (m *Middleware) middleware(scopes []string, allowBare bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.excluded(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			token := extractToken(r.Header.Get("Authorization"), allowBare)
			if token == "" {
				m.unauthorized(w, scopes, "missing credentials")

				return
			}

			claims, err := m.Manager.Verify(r.Context(), token, scopes)
			if err != nil {
				if errors.Is(err, ErrMissingScopes) {
					m.forbidden(w, scopes)

					return
				}

				m.unauthorized(w, scopes, reason(err))

				return
			}

			id := &Identity{
				UserID:    claims.Subject,
				Scopes:    claims.Scopes,
				TokenType: claims.TokenType,
				RequestID: uuid.NewString(),
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func (m *Middleware) excluded(path string) bool {
	for _, p := range m.ExcludePaths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}

// extractToken accepts "Bearer <t>", "ApiKey <t>", and optionally a bare
// token value.
func extractToken(header string, allowBare bool) string {
	if header == "" {
		return ""
	}

	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
			return strings.TrimSpace(header[len(scheme):])
		}
	}

	if allowBare && !strings.ContainsRune(header, ' ') {
		return header
	}

	return ""
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	case errors.Is(err, ErrKeyRevoked):
		return "api key revoked"
	case errors.Is(err, ErrKeyNotFound):
		return "api key not found"
	case errors.Is(err, ErrUserDisabled):
		return "user disabled"
	default:
		return "invalid credentials"
	}
}

func (m *Middleware) unauthorized(w http.ResponseWriter, scopes []string, msg string) {
	w.Header().Set("WWW-Authenticate", authenticateHeader(scopes))
	http.Error(w, msg, http.StatusUnauthorized)
}

func (m *Middleware) forbidden(w http.ResponseWriter, scopes []string) {
	w.Header().Set("WWW-Authenticate", authenticateHeader(scopes))
	http.Error(w, "insufficient scopes", http.StatusForbidden)
}

func authenticateHeader(scopes []string) string {
	if len(scopes) == 0 {
		return "Bearer"
	}

	return fmt.Sprintf("Bearer scope=%q", strings.Join(scopes, " "))
}
