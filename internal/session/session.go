// Package session tracks, per visitor session, which products had their
// positioning test solved recently. Marks expire on their own after a short
// TTL; no explicit unset is needed.
package session

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// DefaultTTL is how long a solved mark stays valid.
const DefaultTTL = 30 * time.Minute

// ErrInvalidSession is returned for empty or malformed session IDs.
var ErrInvalidSession = errors.New("invalid session id")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id can be used as a session key.
func ValidID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Store defines session-scoped solved marks.
// Implementations must be thread-safe.
type Store interface {
	// SetSolved marks productID solved for sessionID for ttl (DefaultTTL when ttl <= 0).
	SetSolved(ctx context.Context, sessionID string, productID int64, ttl time.Duration) error

	// IsSolved reports whether an unexpired mark exists. Invalid session IDs
	// are never solved.
	IsSolved(ctx context.Context, sessionID string, productID int64) (bool, error)

	// Unset removes the mark, if any.
	Unset(ctx context.Context, sessionID string, productID int64) error

	// Details returns the mark with computed age and remaining TTL, or nil
	// when there is no mark.
	Details(ctx context.Context, sessionID string, productID int64) (*Details, error)

	// Active returns every unexpired mark of a session keyed by product ID.
	Active(ctx context.Context, sessionID string) (map[int64]Details, error)

	// Extend pushes the expiry of an existing, unexpired mark to now+ttl.
	// Returns false when there is nothing to extend.
	Extend(ctx context.Context, sessionID string, productID int64, ttl time.Duration) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// Details describes one solved mark.
type Details struct {
	ProductID    int64         `json:"product_id"`
	SolvedAt     time.Time     `json:"solved_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Age          time.Duration `json:"age"`
	RemainingTTL time.Duration `json:"remaining_ttl"`
	Expired      bool          `json:"expired"`
}

// Stats counts the marks of a session.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// SolvedMap reports the solved state of each product for one session.
// Products without a mark map to false.
func SolvedMap(ctx context.Context, st Store, sessionID string, productIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(productIDs))
	for _, pid := range productIDs {
		ok, err := st.IsSolved(ctx, sessionID, pid)
		if err != nil {
			return nil, err
		}
		out[pid] = ok
	}
	return out, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func buildDetails(productID int64, solvedAt, expiresAt, now time.Time) Details {
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Details{
		ProductID:    productID,
		SolvedAt:     solvedAt,
		ExpiresAt:    expiresAt,
		Age:          now.Sub(solvedAt),
		RemainingTTL: remaining,
		Expired:      now.After(expiresAt),
	}
}
