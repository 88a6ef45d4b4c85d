package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Records is a keyed record collection shared by documents, batch jobs and
// merge queue bookkeeping. Values are copied in and out; callers never share
// memory with the store.
type Records[T any] interface {
	Get(ctx context.Context, id string) (T, bool, error)
	Put(ctx context.Context, id string, v T) error
	Delete(ctx context.Context, id string) error
	// List returns every record, oldest first.
	List(ctx context.Context) ([]T, error)
}

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Backend selects and carries the shared handles for a record backend.
type Backend struct {
	Kind  string
	Dir   string
	DB    *gorm.DB
	Redis *redis.Client
}

// Open returns the collection named collection on backend b.
func Open[T any](b Backend, collection string) (Records[T], error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, errors.New("collection name required")
	}
	switch strings.ToLower(strings.TrimSpace(b.Kind)) {
	case "", BackendMemory:
		return NewMemoryStore[T](), nil
	case BackendFile:
		return NewFileStore[T](b.Dir, collection)
	case BackendPostgres:
		if b.DB == nil {
			return nil, errors.New("postgres backend requires a database handle")
		}
		return NewGormStore[T](b.DB, collection), nil
	case BackendRedis:
		if b.Redis == nil {
			return nil, errors.New("redis backend requires a client")
		}
		return NewRedisStore[T](b.Redis, collection), nil
	default:
		return nil, fmt.Errorf("unknown record backend %q", b.Kind)
	}
}
