package completion

import (
	"context"
	"errors"
	"time"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

// DefaultFreshness is how long a completion keeps unlocking checkout.
const DefaultFreshness = 24 * time.Hour

// Checker applies the freshness window to stored records.
type Checker struct {
	store     Store
	clock     clock.Clock
	freshness time.Duration
}

// NewChecker builds a Checker. A nil clock uses wall time and a
// non-positive freshness falls back to DefaultFreshness.
func NewChecker(st Store, c clock.Clock, freshness time.Duration) *Checker {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Checker{store: st, clock: clock.OrSystem(c), freshness: freshness}
}

// Freshness returns the configured window.
func (c *Checker) Freshness() time.Duration { return c.freshness }

// Store returns the underlying store.
func (c *Checker) Store() Store { return c.store }

// Mark records a completion at the current time. Anonymous users have
// nothing to persist.
func (c *Checker) Mark(ctx context.Context, userID, productID int64) (*Record, error) {
	if userID <= 0 {
		return nil, nil
	}
	rec := Record{UserID: userID, ProductID: productID, CompletedAt: c.clock.Now()}
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsValid reports whether the user has a completion for the product younger
// than the freshness window. Non-positive user IDs are never valid.
func (c *Checker) IsValid(ctx context.Context, userID, productID int64) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	rec, err := c.store.Get(ctx, userID, productID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.fresh(rec.CompletedAt), nil
}

// ValidMap runs IsValid for every product.
func (c *Checker) ValidMap(ctx context.Context, userID int64, productIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(productIDs))
	for _, pid := range productIDs {
		ok, err := c.IsValid(ctx, userID, pid)
		if err != nil {
			return nil, err
		}
		out[pid] = ok
	}
	return out, nil
}

func (c *Checker) fresh(completedAt time.Time) bool {
	return c.clock.Now().Sub(completedAt) < c.freshness
}
