package postgres

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

// ─── User CRUD ───

var userColumns = []any{
	"id", "username", "email", "full_name", "password_hash",
	"disabled", "scopes", "created_at", "updated_at",
}

func scanUser(scan func(...any) error) (*service.User, error) {
	var u service.User
	if err := scan(
		&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash,
		&u.Disabled, &u.Scopes, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return &u, nil
}

func (p *Postgres) getUserBy(ctx context.Context, col, value string) (*service.User, error) {
	query, _, err := p.goqu.From(p.tableUsers).
		Select(userColumns...).
		Where(goqu.I(col).Eq(value)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	row := p.db.QueryRowContext(ctx, query)

	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", value, service.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", value, err)
	}

	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, username string) (*service.User, error) {
	return p.getUserBy(ctx, "username", username)
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*service.User, error) {
	return p.getUserBy(ctx, "email", email)
}

func (p *Postgres) CreateUser(ctx context.Context, user service.User) (*service.User, error) {
	user.ID = ulid.Make().String()
	user.CreatedAt = types.NewTime(time.Now().UTC())

	query, _, err := p.goqu.Insert(p.tableUsers).Rows(
		goqu.Record{
			"id":            user.ID,
			"username":      user.Username,
			"email":         user.Email,
			"full_name":     user.FullName,
			"password_hash": user.PasswordHash,
			"disabled":      user.Disabled,
			"scopes":        user.Scopes,
			"created_at":    user.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert user query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q exists: %w", user.Username, service.ErrConflict)
		}

		return nil, fmt.Errorf("create user %q: %w", user.Username, err)
	}

	return &user, nil
}

func (p *Postgres) UpdateUser(ctx context.Context, username string, user service.User) (*service.User, error) {
	record := goqu.Record{
		"email":      user.Email,
		"full_name":  user.FullName,
		"disabled":   user.Disabled,
		"scopes":     user.Scopes,
		"updated_at": time.Now().UTC(),
	}
	if user.PasswordHash != "" {
		record["password_hash"] = user.PasswordHash
	}

	query, _, err := p.goqu.Update(p.tableUsers).Set(record).
		Where(goqu.I("username").Eq(username)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update user query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update user %q: %w", username, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("user %q: %w", username, service.ErrNotFound)
	}

	return p.GetUser(ctx, username)
}

// DeleteUser removes the row; owned api keys cascade via the foreign key.
func (p *Postgres) DeleteUser(ctx context.Context, username string) error {
	query, _, err := p.goqu.Delete(p.tableUsers).
		Where(goqu.I("username").Eq(username)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete user query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete user %q: %w", username, err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("user %q: %w", username, service.ErrNotFound)
	}

	return nil
}

func (p *Postgres) ListUsers(ctx context.Context, limit, offset int) ([]service.User, error) {
	if limit <= 0 {
		limit = 100
	}

	query, _, err := p.goqu.From(p.tableUsers).
		Select(userColumns...).
		Order(goqu.I("username").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []service.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		result = append(result, *u)
	}

	return result, rows.Err()
}
