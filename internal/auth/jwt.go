package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/openinfer/modelfront/internal/config"
	"github.com/openinfer/modelfront/internal/service"
)

// Token type claims. Session tokens are stateless; API keys are additionally
// resolved against the store on every verification.
const (
	TokenTypeSession = "session"
	TokenTypeAPIKey  = "api_key"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrKeyNotFound   = errors.New("api key not found")
	ErrKeyRevoked    = errors.New("api key revoked")
	ErrUserDisabled  = errors.New("user disabled")
	ErrMissingScopes = errors.New("insufficient scopes")
)

// Claims are the decoded contents of a bearer token.
type Claims struct {
	Subject   string
	Scopes    []string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero for never-expiring admin keys
}

// Manager issues and verifies both token classes over one HMAC-signed JWT
// shape with claims {sub, scopes, iat, type, exp?, jti}.
type Manager struct {
	registry *config.Registry
	users    service.UserStorer
	keys     service.APIKeyStorer

	clock func() time.Time // injection point for tests
}

func NewManager(registry *config.Registry, users service.UserStorer, keys service.APIKeyStorer) *Manager {
	return &Manager{
		registry: registry,
		users:    users,
		keys:     keys,
		clock:    time.Now,
	}
}

func (m *Manager) method() (jwt.SigningMethod, error) {
	switch m.registry.Algorithm() {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", m.registry.Algorithm())
	}
}

func (m *Manager) sign(subject string, scopes []string, tokenType string, ttl time.Duration) (string, time.Time, error) {
	method, err := m.method()
	if err != nil {
		return "", time.Time{}, err
	}

	now := m.clock().UTC()
	claims := jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"iat":    now.Unix(),
		"type":   tokenType,
		"jti":    ulid.Make().String(),
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
		claims["exp"] = expiresAt.Unix()
	}

	token, err := jwt.NewWithClaims(method, claims).SignedString(m.registry.Secret())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return token, expiresAt, nil
}

// IssueSession creates a short-lived session token. Nothing is persisted;
// the token is valid until its exp claim passes.
func (m *Manager) IssueSession(username string, scopes []string) (string, time.Time, error) {
	ttl := m.registry.Current().OAuth2.SessionTTL()

	return m.sign(username, ValidScopes(scopes), TokenTypeSession, ttl)
}

// IssueAPIKey creates a long-lived API key and persists its row, revoking the
// user's prior active keys in the same transaction. Admin keys may be issued
// without an enforced expiry; the row still records a housekeeping expiry so
// listings can display one.
func (m *Manager) IssueAPIKey(ctx context.Context, user *service.User, neverExpires bool) (string, *service.APIKey, error) {
	oauth := m.registry.Current().OAuth2
	ttl := oauth.APIKeyTTL()

	enforced := ttl
	if user.IsAdmin() && oauth.AdminTokenNeverExpires && neverExpires {
		enforced = 0
	}

	token, _, err := m.sign(user.Username, user.Scopes, TokenTypeAPIKey, enforced)
	if err != nil {
		return "", nil, err
	}

	row := service.APIKey{
		Key:       token,
		UserID:    user.ID,
		ExpiresAt: types.NewTimeNull(m.clock().UTC().Add(ttl)),
	}

	created, err := m.keys.CreateAPIKey(ctx, row)
	if err != nil {
		return "", nil, fmt.Errorf("persist api key: %w", err)
	}

	return token, created, nil
}

// Verify decodes the token, checks signature and expiry, resolves API keys
// against the store, and enforces the required scope set.
func (m *Manager) Verify(ctx context.Context, token string, requiredScopes []string) (*Claims, error) {
	claims, err := m.decode(token)
	if err != nil {
		return nil, err
	}

	if claims.TokenType == TokenTypeAPIKey {
		row, err := m.lookupKey(ctx, token)
		if err != nil {
			return nil, err
		}
		if row.Revoked {
			return nil, ErrKeyRevoked
		}
	}

	user, err := m.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return nil, ErrKeyNotFound
		}

		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}

	if !HasScopes(claims.Scopes, requiredScopes) {
		return nil, ErrMissingScopes
	}

	return claims, nil
}

// lookupKey resolves a persisted key row, retrying once on transient store
// errors so a single dropped connection does not fail the request.
func (m *Manager) lookupKey(ctx context.Context, token string) (*service.APIKey, error) {
	row, err := m.keys.GetActiveAPIKey(ctx, token)
	if err != nil && !errors.Is(err, service.ErrNotFound) {
		row, err = m.keys.GetActiveAPIKey(ctx, token)
	}
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return nil, ErrKeyNotFound
		}

		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	return row, nil
}

// Decode parses and validates the signature and expiry of a token without
// touching the store. Used by Verify and by the token-info endpoint.
func (m *Manager) Decode(token string) (*Claims, error) {
	return m.decode(token)
}

func (m *Manager) decode(token string) (*Claims, error) {
	method, err := m.method()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != method.Alg() {
			return nil, ErrInvalidToken
		}

		return m.registry.Secret(), nil
	}, jwt.WithValidMethods([]string{method.Alg()}), jwt.WithTimeFunc(m.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}

		return nil, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	if typ, ok := mapClaims["type"].(string); ok {
		claims.TokenType = typ
	}
	if claims.TokenType != TokenTypeSession && claims.TokenType != TokenTypeAPIKey {
		return nil, ErrInvalidToken
	}

	if raw, ok := mapClaims["scopes"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				claims.Scopes = append(claims.Scopes, s)
			}
		}
	}

	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0).UTC()
	}
	if exp, ok := mapClaims["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}

	return claims, nil
}
