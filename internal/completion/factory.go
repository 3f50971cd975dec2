package completion

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore creates a store by type: "memory" or "postgres".
func NewStore(storeType string, pool *pgxpool.Pool) (Store, error) {
	switch storeType {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres store requires a connection pool")
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
