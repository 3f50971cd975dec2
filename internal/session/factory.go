package session

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/TimurManjosov/qualiopigate/internal/clock"
)

// NewStore creates a session store by kind: "memory" or "redis".
// The client is required for redis and ignored otherwise.
func NewStore(kind string, client *redis.Client, c clock.Clock) (Store, error) {
	switch kind {
	case "memory", "":
		return NewMemoryStore(c), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis session store requires a client")
		}
		return NewRedisStore(client, c), nil
	default:
		return nil, fmt.Errorf("unsupported session store: %s", kind)
	}
}
