package service

import (
	"errors"

	"github.com/worldline-go/types"
)

// Store error kinds. Backends wrap driver errors with these so handlers can
// map them to HTTP codes without importing driver packages.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// NullInt64 builds a valid nullable int64 column value.
func NullInt64(v int64) types.Null[int64] {
	var n types.Null[int64]
	n.V = v
	n.Valid = true

	return n
}

// User is an account row. Passwords are stored bcrypt-hashed.
type User struct {
	ID           string                 `json:"id"`
	Username     string                 `json:"username"`
	Email        string                 `json:"email,omitempty"`
	FullName     string                 `json:"full_name,omitempty"`
	PasswordHash string                 `json:"-"`
	Disabled     bool                   `json:"disabled"`
	Scopes       types.Slice[string]    `json:"scopes"`
	CreatedAt    types.Time             `json:"created_at"`
	UpdatedAt    types.Null[types.Time] `json:"updated_at"`
}

// IsAdmin reports whether the user carries the admin scope.
func (u *User) IsAdmin() bool {
	for _, s := range u.Scopes {
		if s == "admin" {
			return true
		}
	}

	return false
}

// APIKey is a persisted long-lived bearer. The raw token is the JWT itself;
// the row exists so keys can be revoked and superseded. At most one
// non-revoked row exists per user (CreateAPIKey enforces it transactionally).
type APIKey struct {
	ID        string                 `json:"id"`
	Key       string                 `json:"-"`
	UserID    string                 `json:"user_id"`
	ExpiresAt types.Null[types.Time] `json:"expires_at"` // display only for never-expiring admin keys
	Revoked   bool                   `json:"revoked"`
	CreatedAt types.Time             `json:"created_at"`
}

// UsageRow is one backend call's accounting record. Append-only.
type UsageRow struct {
	ID               string            `json:"-"`
	Timestamp        types.Time        `json:"ts"`
	APIType          string            `json:"api_type"` // chat, chat-stream, embeddings, audio
	UserID           string            `json:"user_id"`
	Model            string            `json:"model"`
	RequestID        string            `json:"request_id"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens types.Null[int64] `json:"completion_tokens"`
	TotalTokens      int               `json:"total_tokens"`
	InputCount       types.Null[int64] `json:"input_count"`
	ExtraData        types.Map[any]    `json:"extra_data"`
	Host             string            `json:"host"`
	PID              int               `json:"pid"`
}
