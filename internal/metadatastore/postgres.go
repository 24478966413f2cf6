package metadatastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/migerr"
)

// schema is applied once by NewPostgresStore if the table is absent,
// mirroring the donor's own assumption that its metadata tables
// (tenants, storage_nodes, migrations) pre-exist in the target
// database; unlike the donor we create ours lazily since this
// dictionary has exactly one shape regardless of deployment.
const schema = `
CREATE TABLE IF NOT EXISTS migration_metadata (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store against a Postgres-backed ordered
// dictionary, standing in for an externally-provided replicated
// transactional KV store: this adapter only needs *a* serializable
// transactional backend to exercise against.
type PostgresStore struct {
	pool         *pgxpool.Pool
	logger       *zap.Logger
	defaultLease time.Duration
}

// NewPostgresStore mirrors
// coordinator/internal/store/postgres_metadata_store.go's
// NewPostgresMetadataStore constructor shape.
func NewPostgresStore(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int32,
	defaultLease time.Duration,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply metadata schema: %w", err)
	}

	if defaultLease <= 0 {
		defaultLease = 5 * time.Second
	}

	return &PostgresStore{pool: pool, logger: logger, defaultLease: defaultLease}, nil
}

// NewPostgresStoreFromPool lets a caller that already owns a
// *pgxpool.Pool (e.g. one shared with another adapter, as
// cmd/coordinator/main.go shares its pool with the hint store) reuse
// it for the metadata dictionary.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, defaultLease time.Duration, logger *zap.Logger) *PostgresStore {
	if defaultLease <= 0 {
		defaultLease = 5 * time.Second
	}
	return &PostgresStore{pool: pool, logger: logger, defaultLease: defaultLease}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// WithTx runs fn inside one SERIALIZABLE transaction bounded by the
// store's default lease. A deadline exceeded, a
// lost connection, or a serialization failure (the backing store's
// equivalent of a lease timeout or an optimistic conflict) are all
// classified Transient so the caller's RetryPolicy can retry the
// whole planning transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	leaseCtx, cancel := context.WithTimeout(ctx, s.defaultLease)
	defer cancel()

	pgTx, err := s.pool.BeginTx(leaseCtx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyTxError(err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = pgTx.Rollback(context.Background())
		}
	}()

	if err := fn(leaseCtx, &pgTxAdapter{tx: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(leaseCtx); err != nil {
		return classifyTxError(err)
	}
	committed = true
	return nil
}

func classifyTxError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return migerr.Transient("metadata transaction lease expired", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return migerr.Transient("metadata transaction conflicted, retry", err)
		}
	}
	return migerr.Transient("metadata transaction failed", err)
}

// pgTxAdapter implements Tx against one in-flight pgx.Tx.
type pgTxAdapter struct {
	tx pgx.Tx
}

func (a *pgTxAdapter) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := a.tx.QueryRow(ctx, `SELECT value FROM migration_metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classifyTxError(err)
	}
	return value, nil
}

func (a *pgTxAdapter) GetOrDefault(ctx context.Context, key string) (string, bool, error) {
	value, err := a.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (a *pgTxAdapter) GetOrAdd(ctx context.Context, key, seed string) (string, error) {
	var inserted string
	err := a.tx.QueryRow(ctx, `
		INSERT INTO migration_metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
		RETURNING value
	`, key, seed).Scan(&inserted)
	if err == nil {
		return inserted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", classifyTxError(err)
	}
	// Someone else already holds this key; the existing value is
	// authoritative for the plan.
	return a.Get(ctx, key)
}

func (a *pgTxAdapter) AddOrUpdate(ctx context.Context, key, initial string, update func(old string) string) (string, error) {
	old, ok, err := a.GetOrDefault(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		if _, err := a.tx.Exec(ctx, `INSERT INTO migration_metadata (key, value) VALUES ($1, $2)`, key, initial); err != nil {
			return "", classifyTxError(err)
		}
		return initial, nil
	}
	next := update(old)
	if _, err := a.tx.Exec(ctx, `UPDATE migration_metadata SET value = $2, updated_at = now() WHERE key = $1`, key, next); err != nil {
		return "", classifyTxError(err)
	}
	return next, nil
}
