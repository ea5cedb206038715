package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"

	"github.com/openinfer/modelfront/internal/service"
)

// ─── Usage accounting ───

// InsertUsage writes all rows with one multi-row parameterized statement
// inside a single transaction.
func (p *Postgres) InsertUsage(ctx context.Context, usage []service.UsageRow) error {
	if len(usage) == 0 {
		return nil
	}

	records := make([]any, 0, len(usage))
	for _, row := range usage {
		id := row.ID
		if id == "" {
			id = ulid.Make().String()
		}

		records = append(records, goqu.Record{
			"id":                id,
			"ts":                row.Timestamp,
			"api_type":          row.APIType,
			"user_id":           row.UserID,
			"model":             row.Model,
			"request_id":        row.RequestID,
			"prompt_tokens":     row.PromptTokens,
			"completion_tokens": row.CompletionTokens,
			"total_tokens":      row.TotalTokens,
			"input_count":       row.InputCount,
			"extra_data":        row.ExtraData,
			"host":              row.Host,
			"pid":               row.PID,
		})
	}

	query, args, err := p.goqu.Insert(p.tableUsage).Rows(records...).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert usage query: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d usage rows: %w", len(usage), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// SummarizeUsage aggregates request and token counts per user and api type
// over the trailing window.
func (p *Postgres) SummarizeUsage(ctx context.Context, days int) ([]service.UsageSummary, error) {
	if days <= 0 {
		days = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -days)

	query, args, err := p.goqu.From(p.tableUsage).
		Select(
			goqu.I("user_id"),
			goqu.I("api_type"),
			goqu.COUNT("*").As("requests"),
			goqu.COALESCE(goqu.SUM("prompt_tokens"), 0).As("prompt_tokens"),
			goqu.COALESCE(goqu.SUM("completion_tokens"), 0).As("completion_tokens"),
			goqu.COALESCE(goqu.SUM("total_tokens"), 0).As("total_tokens"),
		).
		Where(goqu.I("ts").Gte(since)).
		GroupBy("user_id", "api_type").
		Order(goqu.I("user_id").Asc(), goqu.I("api_type").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build summarize usage query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()

	var result []service.UsageSummary
	for rows.Next() {
		var s service.UsageSummary
		if err := rows.Scan(&s.UserID, &s.APIType, &s.Requests, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage summary row: %w", err)
		}
		result = append(result, s)
	}

	return result, rows.Err()
}
