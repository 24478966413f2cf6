// Package metadatastore implements the metadata store adapter: a thin
// typed facade over an external transactional dictionary, offering
// Get/GetOrDefault/GetOrAdd/AddOrUpdate, each bounded by a default
// lease, with typed string<->long/int/DateTime/Phase/State parsing. It
// mirrors coordinator/internal/store/postgres_metadata_store.go's
// structure (a *pgxpool.Pool-backed struct implementing a narrow
// interface) but trades per-entity tables for a single ordered
// key/value dictionary, because every entity here is itself just a
// string addressed by a composite key.
package metadatastore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("metadatastore: key not found")

// Tx is the set of operations available inside one transaction,
// bounded by the lease passed to Store.WithTx. GetOrAdd is the only
// mechanism that makes phase planning idempotent under resumes —
// callers must prefer it over unconditional writes for every planning
// row.
type Tx interface {
	// Get fails with ErrNotFound if key is absent.
	Get(ctx context.Context, key string) (string, error)
	// GetOrDefault never fails on absence; ok is false if key is
	// absent.
	GetOrDefault(ctx context.Context, key string) (value string, ok bool, err error)
	// GetOrAdd atomically inserts seed if key is absent, otherwise
	// returns the existing value. The returned value is authoritative
	// for the caller's plan, whether or not this call performed the
	// insert.
	GetOrAdd(ctx context.Context, key, seed string) (string, error)
	// AddOrUpdate atomically inserts initial if key is absent,
	// otherwise replaces the stored value with update(old).
	AddOrUpdate(ctx context.Context, key, initial string, update func(old string) string) (string, error)
}

// Store is the Metadata Store Adapter itself: a transaction factory
// bounded by a lease timeout.
type Store interface {
	// WithTx runs fn inside one serializable transaction against the
	// backing dictionary, bounded by the store's default lease unless
	// ctx already carries a tighter deadline. A commit failure
	// (including lease expiry) is classified migerr.KindTransient so
	// callers can retry per their configured RetryPolicy.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
