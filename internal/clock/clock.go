// Package clock abstracts wall-clock time so TTL and freshness rules can be
// tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now()
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced Clock.
//
// Thread-safety: All methods are safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// OrSystem returns c, or System when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
