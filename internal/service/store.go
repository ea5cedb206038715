package service

import "context"

// UserStorer defines CRUD operations for user accounts.
type UserStorer interface {
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user User) (*User, error)
	UpdateUser(ctx context.Context, username string, user User) (*User, error)
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context, limit, offset int) ([]User, error)
}

// APIKeyStorer defines operations for persisted API keys.
type APIKeyStorer interface {
	// GetActiveAPIKey returns the row for key only when it is neither revoked
	// nor expired. Missing and inactive rows both return ErrNotFound.
	GetActiveAPIKey(ctx context.Context, key string) (*APIKey, error)
	// CreateAPIKey inserts the row and revokes every prior non-revoked key of
	// the same user inside one transaction.
	CreateAPIKey(ctx context.Context, key APIKey) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, key string) error
	RevokeUserAPIKeys(ctx context.Context, userID string) error
	ListUserAPIKeys(ctx context.Context, userID string) ([]APIKey, error)
}

// UsageStorer persists usage accounting rows.
type UsageStorer interface {
	// InsertUsage writes all rows with a single multi-row statement in one
	// transaction.
	InsertUsage(ctx context.Context, rows []UsageRow) error
	// SummarizeUsage aggregates per user and api type over the last days.
	SummarizeUsage(ctx context.Context, days int) ([]UsageSummary, error)
}

// UsageSummary is one aggregate line of the admin usage report.
type UsageSummary struct {
	UserID           string `json:"user_id"`
	APIType          string `json:"api_type"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Store bundles the repositories a backend provides.
type Store interface {
	UserStorer
	APIKeyStorer
	UsageStorer
	Close()
}
