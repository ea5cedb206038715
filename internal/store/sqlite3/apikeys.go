package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/openinfer/modelfront/internal/service"
)

// ─── API Key operations ───

func (s *SQLite) GetActiveAPIKey(ctx context.Context, key string) (*service.APIKey, error) {
	query, _, err := s.goqu.From(s.tableAPIKeys).
		Select("id", "key", "user_id", "expires_at", "revoked", "created_at").
		Where(
			goqu.I("key").Eq(key),
			goqu.I("revoked").IsFalse(),
			goqu.Or(
				goqu.I("expires_at").IsNull(),
				goqu.I("expires_at").Gt(time.Now().UTC()),
			),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get api_key query: %w", err)
	}

	var k service.APIKey
	err = s.db.QueryRowContext(ctx, query).Scan(
		&k.ID, &k.Key, &k.UserID, &k.ExpiresAt, &k.Revoked, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", service.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get api_key: %w", err)
	}

	return &k, nil
}

func (s *SQLite) CreateAPIKey(ctx context.Context, key service.APIKey) (*service.APIKey, error) {
	key.ID = ulid.Make().String()
	key.CreatedAt = types.NewTime(time.Now().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	revokeQuery, _, err := s.goqu.Update(s.tableAPIKeys).Set(
		goqu.Record{"revoked": true},
	).Where(
		goqu.I("user_id").Eq(key.UserID),
		goqu.I("revoked").IsFalse(),
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build revoke query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, revokeQuery); err != nil {
		return nil, fmt.Errorf("revoke prior api keys: %w", err)
	}

	insertQuery, _, err := s.goqu.Insert(s.tableAPIKeys).Rows(
		goqu.Record{
			"id":         key.ID,
			"key":        key.Key,
			"user_id":    key.UserID,
			"expires_at": key.ExpiresAt,
			"revoked":    false,
			"created_at": key.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert api_key query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("api key exists: %w", service.ErrConflict)
		}

		return nil, fmt.Errorf("create api_key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &key, nil
}

func (s *SQLite) RevokeAPIKey(ctx context.Context, key string) error {
	query, _, err := s.goqu.Update(s.tableAPIKeys).Set(
		goqu.Record{"revoked": true},
	).Where(goqu.I("key").Eq(key)).ToSQL()
	if err != nil {
		return fmt.Errorf("build revoke api_key query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("revoke api_key: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("api key: %w", service.ErrNotFound)
	}

	return nil
}

func (s *SQLite) RevokeUserAPIKeys(ctx context.Context, userID string) error {
	query, _, err := s.goqu.Update(s.tableAPIKeys).Set(
		goqu.Record{"revoked": true},
	).Where(
		goqu.I("user_id").Eq(userID),
		goqu.I("revoked").IsFalse(),
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build revoke user api_keys query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("revoke api_keys for user %q: %w", userID, err)
	}

	return nil
}

func (s *SQLite) ListUserAPIKeys(ctx context.Context, userID string) ([]service.APIKey, error) {
	query, _, err := s.goqu.From(s.tableAPIKeys).
		Select("id", "key", "user_id", "expires_at", "revoked", "created_at").
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list api_keys query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api_keys: %w", err)
	}
	defer rows.Close()

	var result []service.APIKey
	for rows.Next() {
		var k service.APIKey
		if err := rows.Scan(&k.ID, &k.Key, &k.UserID, &k.ExpiresAt, &k.Revoked, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api_key row: %w", err)
		}
		result = append(result, k)
	}

	return result, rows.Err()
}
