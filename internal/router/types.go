package router

import (
	"context"
	"time"

	"github.com/stratakv/stratakv/internal/types"
)

// Re-export types for convenience.
type StorageClass = types.StorageClass
type BackendKind = types.BackendKind
type AdapterStats = types.AdapterStats
type RouteMeta = types.RouteMeta

// PutOptions carries the write envelope options. Metadata merges are
// last-write-wins by timestamp; everything else is idempotent-safe to retry.
type PutOptions struct {
	TTL      time.Duration
	Metadata map[string]string
}

// ListOptions bounds a key listing.
type ListOptions struct {
	Prefix string
	Limit  int
}

// OpMeta is caller-supplied labeling used for policy and metrics, never for
// business logic.
type OpMeta struct {
	Keyspace string
	Caller   string
}

// Adapter is the uniform contract every physical backend implements. Each
// backend is selected at startup by configured binding, never by runtime
// type inspection.
type Adapter interface {
	// Name returns the configured binding name.
	Name() string
	// Kind identifies the backend implementation.
	Kind() BackendKind

	// Get returns (value, found, err). A missing key is found=false with a
	// nil error, never an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) ([]string, error)
	Stats(ctx context.Context) (AdapterStats, error)
	HealthCheck(ctx context.Context) (bool, []string)
	Close() error
}
