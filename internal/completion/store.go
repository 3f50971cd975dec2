// Package completion stores durable, per-user records of passed positioning
// tests and decides whether a record is still fresh enough to let the user
// through checkout.
package completion

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no completion is recorded for a user/product.
var ErrNotFound = errors.New("completion not found")

// Record is one passed test.
type Record struct {
	UserID      int64     `json:"user_id"`
	ProductID   int64     `json:"product_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store defines the interface for completion persistence.
// Implementations must be thread-safe.
type Store interface {
	// Put creates or overwrites the record for (UserID, ProductID).
	Put(ctx context.Context, rec Record) error

	// Get returns ErrNotFound when nothing is recorded.
	Get(ctx context.Context, userID, productID int64) (*Record, error)

	// Delete removes a record. Missing records are ignored.
	Delete(ctx context.Context, userID, productID int64) error

	// ListByUser returns the user's records ordered by product ID.
	ListByUser(ctx context.Context, userID int64) ([]Record, error)

	// Close releases any resources held by the store.
	Close() error
}
