package session

import (
	"context"
	"sync"
	"time"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

type mark struct {
	solvedAt  time.Time
	expiresAt time.Time
}

// MemoryStore keeps marks in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions map[string]map[int64]mark
}

// NewMemoryStore creates an in-memory store. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clock.OrSystem(c),
		sessions: make(map[string]map[int64]mark),
	}
}

func (m *MemoryStore) SetSolved(ctx context.Context, sessionID string, productID int64, ttl time.Duration) error {
	if !ValidID(sessionID) {
		return ErrInvalidSession
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	marks, ok := m.sessions[sessionID]
	if !ok {
		marks = make(map[int64]mark)
		m.sessions[sessionID] = marks
	}
	marks[productID] = mark{solvedAt: now, expiresAt: now.Add(normalizeTTL(ttl))}
	return nil
}

// IsSolved drops the mark when it has expired.
func (m *MemoryStore) IsSolved(ctx context.Context, sessionID string, productID int64) (bool, error) {
	if !ValidID(sessionID) {
		return false, nil
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.sessions[sessionID][productID]
	if !ok {
		return false, nil
	}
	if now.After(mk.expiresAt) {
		m.deleteLocked(sessionID, productID)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Unset(ctx context.Context, sessionID string, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sessionID, productID)
	return nil
}

func (m *MemoryStore) Details(ctx context.Context, sessionID string, productID int64) (*Details, error) {
	m.mu.Lock()
	mk, ok := m.sessions[sessionID][productID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	d := buildDetails(productID, mk.solvedAt, mk.expiresAt, m.clock.Now())
	return &d, nil
}

func (m *MemoryStore) Active(ctx context.Context, sessionID string) (map[int64]Details, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Details)
	for pid, mk := range m.sessions[sessionID] {
		if now.After(mk.expiresAt) {
			continue
		}
		out[pid] = buildDetails(pid, mk.solvedAt, mk.expiresAt, now)
	}
	return out, nil
}

func (m *MemoryStore) Extend(ctx context.Context, sessionID string, productID int64, ttl time.Duration) (bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.sessions[sessionID][productID]
	if !ok || now.After(mk.expiresAt) {
		return false, nil
	}
	mk.expiresAt = now.Add(normalizeTTL(ttl))
	m.sessions[sessionID][productID] = mk
	return true, nil
}

// CleanupExpired removes expired marks across all sessions and returns how
// many were removed.
func (m *MemoryStore) CleanupExpired() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	cleaned := 0
	for sid, marks := range m.sessions {
		for pid, mk := range marks {
			if now.After(mk.expiresAt) {
				delete(marks, pid)
				cleaned++
			}
		}
		if len(marks) == 0 {
			delete(m.sessions, sid)
		}
	}
	return cleaned
}

// Stats counts active and expired marks of a session without removing any.
func (m *MemoryStore) Stats(sessionID string) Stats {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, mk := range m.sessions[sessionID] {
		s.Total++
		if now.After(mk.expiresAt) {
			s.Expired++
		} else {
			s.Active++
		}
	}
	return s
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) deleteLocked(sessionID string, productID int64) {
	marks, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(marks, productID)
	if len(marks) == 0 {
		delete(m.sessions, sessionID)
	}
}
