package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	putSQL = `
INSERT INTO test_completions (user_id, product_id, completed_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, product_id) DO UPDATE SET completed_at = EXCLUDED.completed_at`
	getSQL    = `SELECT user_id, product_id, completed_at FROM test_completions WHERE user_id = $1 AND product_id = $2`
	deleteSQL = `DELETE FROM test_completions WHERE user_id = $1 AND product_id = $2`
	listSQL   = `SELECT user_id, product_id, completed_at FROM test_completions WHERE user_id = $1 ORDER BY product_id`
)

// PostgresStore persists records in the test_completions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pool. The table must exist (see db.Migrate).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Put(ctx context.Context, rec Record) error {
	if _, err := p.pool.Exec(ctx, putSQL, rec.UserID, rec.ProductID, rec.CompletedAt); err != nil {
		return fmt.Errorf("put completion %d/%d: %w", rec.UserID, rec.ProductID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, userID, productID int64) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, getSQL, userID, productID).Scan(&rec.UserID, &rec.ProductID, &rec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get completion %d/%d: %w", userID, productID, err)
	}
	rec.CompletedAt = rec.CompletedAt.UTC()
	return &rec, nil
}

func (p *PostgresStore) Delete(ctx context.Context, userID, productID int64) error {
	if _, err := p.pool.Exec(ctx, deleteSQL, userID, productID); err != nil {
		return fmt.Errorf("delete completion %d/%d: %w", userID, productID, err)
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64) ([]Record, error) {
	rows, err := p.pool.Query(ctx, listSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list completions for user %d: %w", userID, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.UserID, &rec.ProductID, &rec.CompletedAt)
		rec.CompletedAt = rec.CompletedAt.UTC()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("list completions for user %d: %w", userID, err)
	}
	return recs, nil
}

// Close is a no-op: the pool is shared and closed by its owner.
func (p *PostgresStore) Close() error { return nil }
