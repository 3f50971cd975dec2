package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
	"github.com/TimurManjosov/qualiopigate/internal/decision"
	"github.com/TimurManjosov/qualiopigate/internal/telemetry"
)

// Snapshot is an immutable view of the mapping document.
type Snapshot struct {
	ETag      string          `json:"etag"`
	Entries   map[int64]Entry `json:"entries"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BuildSnapshot indexes entries by product ID and derives a weak ETag from
// their canonical JSON encoding. UpdatedAt is the current wall time.
func BuildSnapshot(entries []Entry) *Snapshot {
	return BuildSnapshotAt(entries, clock.System{}.Now())
}

// BuildSnapshotAt is BuildSnapshot stamped with at.
func BuildSnapshotAt(entries []Entry, at time.Time) *Snapshot {
	byID := make(map[int64]Entry, len(entries))
	for _, e := range entries {
		byID[e.ProductID] = e
	}

	ordered := make([]Entry, 0, len(byID))
	for _, e := range byID {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ProductID < ordered[j].ProductID })

	blob, _ := json.Marshal(ordered)
	etag := fmt.Sprintf(`W/"%016x"`, xxhash.Sum64(blob))
	return &Snapshot{ETag: etag, Entries: byID, UpdatedAt: at.UTC()}
}

// Lookup returns the decision input for a product. Unknown products are
// reported as inactive.
func (s *Snapshot) Lookup(productID int64) decision.Mapping {
	e, ok := s.Entries[productID]
	if !ok || !e.Active {
		return decision.Mapping{}
	}
	m := decision.Mapping{Active: true}
	if e.TestPageURL != "" {
		u := e.TestPageURL
		m.TestPageURL = &u
	}
	return m
}

// List returns the entries ordered by product ID.
func (s *Snapshot) List() []Entry {
	out := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// Cache holds the current Snapshot and swaps it atomically. Readers never
// block writers. Subscribers receive the ETag of every new snapshot.
type Cache struct {
	current atomic.Pointer[Snapshot]
	clock   clock.Clock

	mu   sync.Mutex
	subs map[chan string]struct{}
}

// NewCache returns a Cache holding an empty snapshot.
func NewCache() *Cache {
	c := &Cache{clock: clock.System{}, subs: make(map[chan string]struct{})}
	c.current.Store(BuildSnapshot(nil))
	return c
}

// WithClock stamps rebuilt snapshots with c's time. Call before use.
func (c *Cache) WithClock(clk clock.Clock) *Cache {
	c.clock = clock.OrSystem(clk)
	return c
}

// Load returns the current snapshot.
func (c *Cache) Load() *Snapshot {
	return c.current.Load()
}

// Update replaces the current snapshot and notifies subscribers.
func (c *Cache) Update(s *Snapshot) {
	c.current.Store(s)
	telemetry.MappingSnapshotEntries.Set(float64(len(s.Entries)))
	c.publish(s.ETag)
}

// Subscribe registers a listener and returns its channel and an unsubscribe func.
func (c *Cache) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
	return ch, unsub
}

// publish never blocks: a slow listener misses intermediate ETags.
func (c *Cache) publish(etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- etag:
		default:
		}
	}
}

// Rebuild reads every mapping from st and swaps in a fresh snapshot.
func (c *Cache) Rebuild(ctx context.Context, st Store) (*Snapshot, error) {
	entries, err := st.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild mapping snapshot: %w", err)
	}
	s := BuildSnapshotAt(entries, c.clock.Now())
	c.Update(s)
	return s, nil
}
