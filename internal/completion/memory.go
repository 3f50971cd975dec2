package completion

import (
	"context"
	"sort"
	"sync"
)

type key struct {
	userID    int64
	productID int64
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[key]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[key]Record)}
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key{rec.UserID, rec.ProductID}] = rec
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID, productID int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key{userID, productID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key{userID, productID})
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for k, rec := range m.records {
		if k.userID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error { return nil }
