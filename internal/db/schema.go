package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS test_mappings (
		product_id BIGINT PRIMARY KEY,
		page_id    BIGINT NOT NULL,
		test_url   TEXT NOT NULL DEFAULT '',
		form_id    BIGINT,
		active     BOOLEAN NOT NULL DEFAULT false,
		notes      TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS test_completions (
		user_id      BIGINT NOT NULL,
		product_id   BIGINT NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, product_id)
	)`,
	`CREATE INDEX IF NOT EXISTS test_completions_completed_at_idx ON test_completions (completed_at)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id            UUID PRIMARY KEY,
		occurred_at   TIMESTAMPTZ NOT NULL,
		request_id    TEXT NOT NULL DEFAULT '',
		type          TEXT NOT NULL,
		actor         JSONB NOT NULL,
		source        JSONB NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT NOT NULL,
		changes       JSONB NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_occurred_at_idx ON audit_events (occurred_at DESC)`,
}

// Migrate creates the tables used by the postgres stores and the audit sink
// if they are absent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
