// Package mapping persists the association between purchasable products and
// the positioning test each one requires, and serves it to the checkout
// guard from an atomically swapped in-memory snapshot.
package mapping

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no mapping exists for a product.
var ErrNotFound = errors.New("mapping not found")

// Store defines the interface for mapping persistence operations.
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	// List returns every mapping ordered by product ID.
	// Returns an empty slice if no mappings exist.
	List(ctx context.Context) ([]Entry, error)

	// Get retrieves the mapping for a product.
	// Returns ErrNotFound if the product has no mapping.
	Get(ctx context.Context, productID int64) (*Entry, error)

	// Upsert creates or replaces the mapping for entry.ProductID.
	Upsert(ctx context.Context, entry Entry) error

	// Delete removes the mapping for a product.
	// Returns no error if the mapping doesn't exist (idempotent).
	Delete(ctx context.Context, productID int64) error

	// ReplaceAll atomically swaps the whole mapping document for entries.
	ReplaceAll(ctx context.Context, entries []Entry) error

	// Close releases any resources held by the store.
	Close() error
}

// Entry maps one product to its positioning test.
type Entry struct {
	ProductID   int64     `json:"product_id" yaml:"product_id"`
	PageID      int64     `json:"page_id" yaml:"page_id"`
	TestPageURL string    `json:"test_url" yaml:"test_url"`
	FormID      *int64    `json:"form_id,omitempty" yaml:"form_id,omitempty"` // cross-reference to the form system, unused by decisions
	Active      bool      `json:"active" yaml:"active"`
	Notes       string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}
