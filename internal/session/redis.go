package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

const keyPrefix = "wcqs:session:"

// redisMark is the JSON value stored under each key. Times are unix
// milliseconds so expiry matches the memory store.
type redisMark struct {
	SolvedAt  int64 `json:"solved_at_ms"`
	ExpiresAt int64 `json:"expires_at_ms"`
}

// RedisStore keeps marks in Redis so every instance behind a load balancer
// sees the same session state. Redis key expiry enforces the TTL.
type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisStore wraps an existing client. The client lifecycle is managed by
// the caller.
func NewRedisStore(client *redis.Client, c clock.Clock) *RedisStore {
	return &RedisStore{client: client, clock: clock.OrSystem(c)}
}

func markKey(sessionID string, productID int64) string {
	return keyPrefix + sessionID + ":" + strconv.FormatInt(productID, 10)
}

func (r *RedisStore) SetSolved(ctx context.Context, sessionID string, productID int64, ttl time.Duration) error {
	if !ValidID(sessionID) {
		return ErrInvalidSession
	}
	ttl = normalizeTTL(ttl)
	now := r.clock.Now()
	return r.write(ctx, sessionID, productID, now, now.Add(ttl), ttl)
}

func (r *RedisStore) IsSolved(ctx context.Context, sessionID string, productID int64) (bool, error) {
	if !ValidID(sessionID) {
		return false, nil
	}
	mk, err := r.read(ctx, markKey(sessionID, productID))
	if err != nil || mk == nil {
		return false, err
	}
	return !r.clock.Now().After(time.UnixMilli(mk.ExpiresAt)), nil
}

func (r *RedisStore) Unset(ctx context.Context, sessionID string, productID int64) error {
	if !ValidID(sessionID) {
		return nil
	}
	return r.client.Del(ctx, markKey(sessionID, productID)).Err()
}

func (r *RedisStore) Details(ctx context.Context, sessionID string, productID int64) (*Details, error) {
	if !ValidID(sessionID) {
		return nil, nil
	}
	mk, err := r.read(ctx, markKey(sessionID, productID))
	if err != nil || mk == nil {
		return nil, err
	}
	d := buildDetails(productID, time.UnixMilli(mk.SolvedAt).UTC(), time.UnixMilli(mk.ExpiresAt).UTC(), r.clock.Now())
	return &d, nil
}

// Active scans the session's key space. Session IDs are restricted to
// characters that carry no meaning in a MATCH pattern.
func (r *RedisStore) Active(ctx context.Context, sessionID string) (map[int64]Details, error) {
	out := make(map[int64]Details)
	if !ValidID(sessionID) {
		return out, nil
	}
	prefix := keyPrefix + sessionID + ":"
	now := r.clock.Now()

	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		pid, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			continue
		}
		mk, err := r.read(ctx, key)
		if err != nil {
			return nil, err
		}
		if mk == nil {
			continue
		}
		d := buildDetails(pid, time.UnixMilli(mk.SolvedAt).UTC(), time.UnixMilli(mk.ExpiresAt).UTC(), now)
		if d.Expired {
			continue
		}
		out[pid] = d
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan session %s: %w", sessionID, err)
	}
	return out, nil
}

func (r *RedisStore) Extend(ctx context.Context, sessionID string, productID int64, ttl time.Duration) (bool, error) {
	if !ValidID(sessionID) {
		return false, nil
	}
	mk, err := r.read(ctx, markKey(sessionID, productID))
	if err != nil || mk == nil {
		return false, err
	}
	now := r.clock.Now()
	if now.After(time.UnixMilli(mk.ExpiresAt)) {
		return false, nil
	}
	ttl = normalizeTTL(ttl)
	if err := r.write(ctx, sessionID, productID, time.UnixMilli(mk.SolvedAt), now.Add(ttl), ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Close is a no-op; the client lifecycle is managed externally.
func (r *RedisStore) Close() error { return nil }

func (r *RedisStore) write(ctx context.Context, sessionID string, productID int64, solvedAt, expiresAt time.Time, ttl time.Duration) error {
	payload, err := json.Marshal(redisMark{SolvedAt: solvedAt.UnixMilli(), ExpiresAt: expiresAt.UnixMilli()})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, markKey(sessionID, productID), payload, ttl).Err()
}

// read returns nil, nil when the key does not exist.
func (r *RedisStore) read(ctx context.Context, key string) (*redisMark, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var mk redisMark
	if err := json.Unmarshal(raw, &mk); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &mk, nil
}
