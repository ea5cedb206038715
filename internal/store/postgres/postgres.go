package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openinfer/modelfront/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ConnMaxLifetime = time.Hour
	MaxIdleConns    = 1
	MaxOpenConns    = 10

	DefaultTablePrefix = "mf_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers   exp.IdentifierExpression
	tableAPIKeys exp.IdentifierExpression
	tableUsage   exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.Database) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != "" {
		tablePrefix = cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	if err := MigrateDB(ctx, cfg.Datasource(), tablePrefix); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("pgx", cfg.Datasource())
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	return &Postgres{
		db:           db,
		goqu:         goqu.New("postgres", db),
		tableUsers:   goqu.T(tablePrefix + "users"),
		tableAPIKeys: goqu.T(tablePrefix + "api_keys"),
		tableUsage:   goqu.T(tablePrefix + "usage"),
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// isUniqueViolation detects constraint violations so callers can treat them
// as terminal rather than retryable.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return false
}
