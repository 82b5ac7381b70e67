package store

import (
	"context"
	"fmt"
)

// Kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindRedis    = "redis"
	KindPostgres = "postgres"
)

// Open constructs the backend named by kind. dsn is a file path for sqlite
// and a URL for redis and postgres; it is ignored for memory.
func Open(ctx context.Context, kind, dsn string) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch kind {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		b, err = NewSQLiteStore(ctx, dsn)
	case KindRedis:
		b, err = NewRedisStore(ctx, dsn)
	case KindPostgres:
		b, err = NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", kind, err)
	}
	return b, nil
}
