package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/openinfer/modelfront/internal/config"
)

var DefaultTablePrefix = "mf_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers   exp.IdentifierExpression
	tableAPIKeys exp.IdentifierExpression
	tableUsage   exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.Database) (*SQLite, error) {
	if cfg == nil || cfg.SQLite == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != "" {
		tablePrefix = cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	if err := MigrateDB(ctx, cfg.SQLite, tablePrefix); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.SQLite)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	slog.Info("connected to store sqlite", "datasource", cfg.SQLite)

	return &SQLite{
		db:           db,
		goqu:         goqu.New("sqlite3", db),
		tableUsers:   goqu.T(tablePrefix + "users"),
		tableAPIKeys: goqu.T(tablePrefix + "api_keys"),
		tableUsage:   goqu.T(tablePrefix + "usage"),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
