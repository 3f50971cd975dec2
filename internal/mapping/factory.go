package mapping

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore creates a new store based on the given store type.
// Supported types: "memory", "postgres". The pool is required for postgres
// and ignored otherwise.
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
