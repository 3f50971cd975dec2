package mapping

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It is suitable for development, testing, or single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]Entry
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// List returns all mappings ordered by product ID.
func (m *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

// Get retrieves the mapping for a product.
func (m *MemoryStore) Get(ctx context.Context, productID int64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[productID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Upsert creates or replaces a mapping.
func (m *MemoryStore) Upsert(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.UpdatedAt = m.now()
	m.entries[entry.ProductID] = entry
	return nil
}

// Delete removes a mapping. Missing mappings are ignored.
func (m *MemoryStore) Delete(ctx context.Context, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, productID)
	return nil
}

// ReplaceAll swaps the whole document under a single lock.
func (m *MemoryStore) ReplaceAll(ctx context.Context, entries []Entry) error {
	next := make(map[int64]Entry, len(entries))
	now := m.now()
	for _, e := range entries {
		e.UpdatedAt = now
		next[e.ProductID] = e
	}

	m.mu.Lock()
	m.entries = next
	m.mu.Unlock()
	return nil
}

// Close is a no-op for MemoryStore as there are no resources to release.
func (m *MemoryStore) Close() error {
	return nil
}
