package metadatastore

import (
	"context"
	"testing"
	"time"

	"github.com/bitcomplete/sqltestutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startPostgres spins up a throwaway postgres:16 container for the
// duration of one test, the same way dbcontainer.New does for the
// donor's own migration use-case suite. Tests in this file need a
// real serializable backend: MemStore's single mutex can't exercise
// the 40001/40P01 conflict-retry paths classifyTxError handles.
func startPostgres(t *testing.T) *PostgresStore {
	ctx := context.Background()
	pg, err := sqltestutil.StartPostgresContainer(ctx, "16")
	if err != nil {
		t.Skipf("skipping postgres-backed test, no container runtime available: %v", err)
	}
	t.Cleanup(func() {
		_ = pg.Shutdown(context.Background())
	})

	poolCfg, err := pgxpool.ParseConfig(pg.ConnectionString())
	require.NoError(t, err)

	var store *PostgresStore
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if pingErr := pool.Ping(ctx); pingErr == nil {
				pool.Close()
				break
			}
			pool.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres container never became reachable: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	store, err = NewPostgresStore(ctx, poolCfg.ConnConfig.Host, int(poolCfg.ConnConfig.Port),
		poolCfg.ConnConfig.Database, poolCfg.ConnConfig.User, poolCfg.ConnConfig.Password,
		5, 1, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestPostgresStore_GetOrAddIsIdempotentAcrossTransactions(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	var first, second string
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := tx.GetOrAdd(ctx, "phase_copy_start_sn", "100")
		first = v
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := tx.GetOrAdd(ctx, "phase_copy_start_sn", "999")
		second = v
		return err
	}))

	assert.Equal(t, "100", first)
	assert.Equal(t, "100", second, "a second GetOrAdd against an already-seeded key must observe the first writer's value")
}

func TestPostgresStore_AddOrUpdateAccumulatesAcrossTransactions(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	var first, second int64
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := AddOrUpdateInt64(ctx, tx, "keys_migrated", 5, func(old int64) int64 { return old + 5 })
		first = v
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := AddOrUpdateInt64(ctx, tx, "keys_migrated", 5, func(old int64) int64 { return old + 5 })
		second = v
		return err
	}))

	assert.Equal(t, int64(5), first, "the initial seed applies on the first AddOrUpdate against an unset key")
	assert.Equal(t, int64(10), second, "the second AddOrUpdate must observe and accumulate onto the first's committed value")
}

func TestPostgresStore_GetOnMissingKeyIsNotFound(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Get(ctx, "never_written")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresStore_WithTxRollsBackOnError(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	sentinel := assert.AnError
	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AddOrUpdate(ctx, "rolled_back_key", "seed", func(string) string { return "seed" }); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, ok, err := tx.GetOrDefault(ctx, "rolled_back_key")
		assert.False(t, ok, "a transaction that returns an error must not commit its writes")
		return err
	})
	require.NoError(t, err)
}
