package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

const nonceKeyPrefix = "wcqs:nonce:"

// NonceStore remembers tokens that already let a checkout through. Entries
// only need to outlive the token TTL; after that Verify rejects the token
// anyway.
type NonceStore interface {
	// Spent reports whether key was consumed.
	Spent(ctx context.Context, key string) (bool, error)

	// Consume marks key spent for ttl. It returns false when key was already
	// spent, so of two concurrent consumers exactly one wins.
	Consume(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SpendKey identifies one issued token.
func SpendKey(c *Claims) string {
	return fmt.Sprintf("%d:%d:%d:%s", c.UserID, c.ProductID, c.IssuedAt.Unix(), c.Nonce)
}

// NewNonceStore picks the backend matching the session store: redis when a
// client is given, memory otherwise.
func NewNonceStore(client *redis.Client, c clock.Clock) NonceStore {
	if client != nil {
		return NewRedisNonceStore(client)
	}
	return NewMemoryNonceStore(c)
}

// MemoryNonceStore keeps spent keys in process memory.
type MemoryNonceStore struct {
	mu    sync.Mutex
	clock clock.Clock
	spent map[string]time.Time // key -> forget after
}

// NewMemoryNonceStore creates an empty store. A nil clock uses wall time.
func NewMemoryNonceStore(c clock.Clock) *MemoryNonceStore {
	return &MemoryNonceStore{clock: clock.OrSystem(c), spent: make(map[string]time.Time)}
}

func (m *MemoryNonceStore) Spent(_ context.Context, key string) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.spent[key]
	return ok && !now.After(until), nil
}

func (m *MemoryNonceStore) Consume(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.spent[key]; ok && !now.After(until) {
		return false, nil
	}
	m.spent[key] = now.Add(ttl)
	return true, nil
}

// CleanupExpired forgets keys past their TTL and returns how many were dropped.
func (m *MemoryNonceStore) CleanupExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, until := range m.spent {
		if now.After(until) {
			delete(m.spent, key)
			n++
		}
	}
	return n
}

// RedisNonceStore shares spent keys between instances. SET NX makes
// Consume atomic and key expiry does the cleanup.
type RedisNonceStore struct {
	client *redis.Client
}

// NewRedisNonceStore wraps an existing client owned by the caller.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (r *RedisNonceStore) Spent(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, nonceKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return n > 0, nil
}

func (r *RedisNonceStore) Consume(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, nonceKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return ok, nil
}
