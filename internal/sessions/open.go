package sessions

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open returns the Store for backend. path is used by sqlite and dsn by
// postgres.
func Open(ctx context.Context, backend, path, dsn string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, path)
	case BackendPostgres:
		return NewPostgresStore(ctx, dsn, nil)
	default:
		return nil, fmt.Errorf("unknown session backend %q", backend)
	}
}
