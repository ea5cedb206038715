// Package memory implements the store interfaces with in-process maps.
// Used by tests and by deployments without a configured database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/openinfer/modelfront/internal/service"
)

type Memory struct {
	mu    sync.RWMutex
	users map[string]service.User // keyed by username
	keys  map[string]service.APIKey
	usage []service.UsageRow
}

func New() *Memory {
	return &Memory{
		users: make(map[string]service.User),
		keys:  make(map[string]service.APIKey),
	}
}

func (m *Memory) Close() {}

// ─── Users ───

func (m *Memory) GetUser(_ context.Context, username string) (*service.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, service.ErrNotFound)
	}

	return &u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*service.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}

	return nil, fmt.Errorf("user %q: %w", email, service.ErrNotFound)
}

func (m *Memory) CreateUser(_ context.Context, user service.User) (*service.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Username]; ok {
		return nil, fmt.Errorf("user %q exists: %w", user.Username, service.ErrConflict)
	}

	user.ID = ulid.Make().String()
	user.CreatedAt = types.NewTime(time.Now().UTC())
	m.users[user.Username] = user

	return &user, nil
}

func (m *Memory) UpdateUser(_ context.Context, username string, user service.User) (*service.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, service.ErrNotFound)
	}

	cur.Email = user.Email
	cur.FullName = user.FullName
	cur.Disabled = user.Disabled
	cur.Scopes = user.Scopes
	if user.PasswordHash != "" {
		cur.PasswordHash = user.PasswordHash
	}
	cur.UpdatedAt = types.NewTimeNull(time.Now().UTC())

	m.users[username] = cur

	return &cur, nil
}

func (m *Memory) DeleteUser(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return fmt.Errorf("user %q: %w", username, service.ErrNotFound)
	}

	delete(m.users, username)

	// Cascade to owned keys.
	for k, key := range m.keys {
		if key.UserID == u.ID {
			delete(m.keys, k)
		}
	}

	return nil
}

func (m *Memory) ListUsers(_ context.Context, limit, offset int) ([]service.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	names := make([]string, 0, len(m.users))
	for name := range m.users {
		names = append(names, name)
	}
	sort.Strings(names)

	var result []service.User
	for i, name := range names {
		if i < offset {
			continue
		}
		if len(result) >= limit {
			break
		}
		result = append(result, m.users[name])
	}

	return result, nil
}

// ─── API Keys ───

func (m *Memory) GetActiveAPIKey(_ context.Context, key string) (*service.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[key]
	if !ok || k.Revoked {
		return nil, fmt.Errorf("api key: %w", service.ErrNotFound)
	}
	if k.ExpiresAt.Valid && k.ExpiresAt.V.Time.Before(time.Now().UTC()) {
		return nil, fmt.Errorf("api key: %w", service.ErrNotFound)
	}

	return &k, nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key service.APIKey) (*service.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, cur := range m.keys {
		if cur.UserID == key.UserID && !cur.Revoked {
			cur.Revoked = true
			m.keys[k] = cur
		}
	}

	key.ID = ulid.Make().String()
	key.CreatedAt = types.NewTime(time.Now().UTC())
	m.keys[key.Key] = key

	return &key, nil
}

func (m *Memory) RevokeAPIKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[key]
	if !ok {
		return fmt.Errorf("api key: %w", service.ErrNotFound)
	}

	k.Revoked = true
	m.keys[key] = k

	return nil
}

func (m *Memory) RevokeUserAPIKeys(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, cur := range m.keys {
		if cur.UserID == userID && !cur.Revoked {
			cur.Revoked = true
			m.keys[k] = cur
		}
	}

	return nil
}

func (m *Memory) ListUserAPIKeys(_ context.Context, userID string) ([]service.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []service.APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			result = append(result, k)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Time.After(result[j].CreatedAt.Time)
	})

	return result, nil
}

// ─── Usage ───

func (m *Memory) InsertUsage(_ context.Context, rows []service.UsageRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, rows...)

	return nil
}

func (m *Memory) SummarizeUsage(_ context.Context, days int) ([]service.UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if days <= 0 {
		days = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -days)

	agg := make(map[[2]string]*service.UsageSummary)
	for _, row := range m.usage {
		if row.Timestamp.Time.Before(since) {
			continue
		}

		k := [2]string{row.UserID, row.APIType}
		s, ok := agg[k]
		if !ok {
			s = &service.UsageSummary{UserID: row.UserID, APIType: row.APIType}
			agg[k] = s
		}

		s.Requests++
		s.PromptTokens += row.PromptTokens
		if row.CompletionTokens.Valid {
			s.CompletionTokens += int(row.CompletionTokens.V)
		}
		s.TotalTokens += row.TotalTokens
	}

	result := make([]service.UsageSummary, 0, len(agg))
	for _, s := range agg {
		result = append(result, *s)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}

		return result[i].APIType < result[j].APIType
	})

	return result, nil
}

// UsageRows returns a copy of everything recorded. Test helper.
func (m *Memory) UsageRows() []service.UsageRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]service.UsageRow, len(m.usage))
	copy(out, m.usage)

	return out
}
