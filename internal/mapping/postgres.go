package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectColumns = `product_id, page_id, test_url, form_id, active, notes, updated_at`

	listSQL   = `SELECT ` + selectColumns + ` FROM test_mappings ORDER BY product_id`
	getSQL    = `SELECT ` + selectColumns + ` FROM test_mappings WHERE product_id = $1`
	deleteSQL = `DELETE FROM test_mappings WHERE product_id = $1`
	upsertSQL = `
INSERT INTO test_mappings (product_id, page_id, test_url, form_id, active, notes, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (product_id) DO UPDATE SET
	page_id    = EXCLUDED.page_id,
	test_url   = EXCLUDED.test_url,
	form_id    = EXCLUDED.form_id,
	active     = EXCLUDED.active,
	notes      = EXCLUDED.notes,
	updated_at = now()`
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. The test_mappings
// table must exist (see db.Migrate).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// List retrieves all mappings from the database.
func (p *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return entries, nil
}

// Get retrieves a single mapping by product ID.
func (p *PostgresStore) Get(ctx context.Context, productID int64) (*Entry, error) {
	e, err := scanEntry(p.pool.QueryRow(ctx, getSQL, productID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Upsert creates or updates a mapping in the database.
func (p *PostgresStore) Upsert(ctx context.Context, entry Entry) error {
	_, err := p.pool.Exec(ctx, upsertSQL, upsertArgs(entry)...)
	if err != nil {
		return fmt.Errorf("upsert mapping %d: %w", entry.ProductID, err)
	}
	return nil
}

// Delete removes a mapping from the database.
func (p *PostgresStore) Delete(ctx context.Context, productID int64) error {
	if _, err := p.pool.Exec(ctx, deleteSQL, productID); err != nil {
		return fmt.Errorf("delete mapping %d: %w", productID, err)
	}
	return nil
}

// ReplaceAll swaps the table contents inside one transaction.
func (p *PostgresStore) ReplaceAll(ctx context.Context, entries []Entry) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM test_mappings`); err != nil {
			return fmt.Errorf("clear mappings: %w", err)
		}
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(upsertSQL, upsertArgs(e)...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert mappings: %w", err)
		}
		return nil
	})
}

// Close is a no-op: the pool is shared and closed by its owner.
func (p *PostgresStore) Close() error {
	return nil
}

func upsertArgs(e Entry) []any {
	return []any{e.ProductID, e.PageID, e.TestPageURL, e.FormID, e.Active, e.Notes}
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e         Entry
		formID    pgtype.Int8
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&e.ProductID, &e.PageID, &e.TestPageURL, &formID, &e.Active, &e.Notes, &updatedAt); err != nil {
		return Entry{}, err
	}
	if formID.Valid {
		id := formID.Int64
		e.FormID = &id
	}
	if updatedAt.Valid {
		e.UpdatedAt = updatedAt.Time.UTC()
	}
	return e, nil
}
