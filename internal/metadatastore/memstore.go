package metadatastore

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store, grounded on
// coordinator/internal/store/memory_cache.go's map+sync.RWMutex shape.
// It exists for tests that need a real GetOrAdd/AddOrUpdate backend
// without a running Postgres instance — transactions here run
// entirely under one mutex, so there is no real isolation to test
// against, only the Tx contract's semantics.
type MemStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memTx{store: s})
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }

func (s *MemStore) Close() {}

type memTx struct {
	store *MemStore
}

func (t *memTx) Get(ctx context.Context, key string) (string, error) {
	v, ok := t.store.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (t *memTx) GetOrDefault(ctx context.Context, key string) (string, bool, error) {
	v, ok := t.store.data[key]
	return v, ok, nil
}

func (t *memTx) GetOrAdd(ctx context.Context, key, seed string) (string, error) {
	if v, ok := t.store.data[key]; ok {
		return v, nil
	}
	t.store.data[key] = seed
	return seed, nil
}

func (t *memTx) AddOrUpdate(ctx context.Context, key, initial string, update func(old string) string) (string, error) {
	v, ok := t.store.data[key]
	if !ok {
		t.store.data[key] = initial
		return initial, nil
	}
	newVal := update(v)
	t.store.data[key] = newVal
	return newVal, nil
}
