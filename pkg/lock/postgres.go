package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend arbitrates leases through a row per key. The database
// clock decides whether a row is free; Lease.ExpiresAt is the local clock
// read before the statement plus the TTL.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
	owned bool
	now   func() time.Time
}

var _ Backend = (*PostgresBackend)(nil)

// PostgresConfig configures NewPostgresBackend
type PostgresConfig struct {
	URL      string
	Table    string
	MaxConns int32
}

// NewPostgresBackend opens a pool, verifies connectivity and creates the
// lease table if missing
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	b, err := NewPostgresBackendFromPool(ctx, pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewPostgresBackendFromPool uses an existing pool, which the caller keeps
// ownership of
func NewPostgresBackendFromPool(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresBackend, error) {
	if table == "" {
		table = "controlplane_locks"
	}
	b := &PostgresBackend{pool: pool, table: pgx.Identifier{table}.Sanitize(), now: time.Now}
	if err := b.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return b, nil
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		lock_key      TEXT PRIMARY KEY,
		holder        TEXT NOT NULL DEFAULT '',
		lease_id      TEXT NOT NULL DEFAULT '',
		fencing_token BIGINT NOT NULL DEFAULT 0,
		lease_token   BIGINT NOT NULL DEFAULT 0,
		lease_keys    TEXT[] NOT NULL DEFAULT '{}',
		expires_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
	)`, b.table)

	_, err := b.pool.Exec(ctx, schema)
	return err
}

// TryAcquire implements Backend. Rows are locked in key order inside one
// transaction, so the claim is all-or-nothing and concurrent multi-key
// claims cannot deadlock.
func (b *PostgresBackend) TryAcquire(ctx context.Context, keys []string, holder string, ttl time.Duration) (Lease, error) {
	if err := validateRequest(keys, holder, ttl); err != nil {
		return Lease{}, err
	}
	ordered := sortedCopy(keys)
	start := b.now()

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (lock_key) SELECT unnest($1::text[]) ON CONFLICT (lock_key) DO NOTHING`, b.table),
		ordered,
	); err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: ensure rows: %w", err)
	}

	var held int
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM (
			SELECT lock_key, expires_at FROM %s
			WHERE lock_key = ANY($1::text[])
			ORDER BY lock_key
			FOR UPDATE
		) locked WHERE expires_at > now()`, b.table),
		ordered,
	).Scan(&held); err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: lock rows: %w", err)
	}
	if held > 0 {
		return Lease{}, ErrLockHeld
	}

	leaseID := uuid.NewString()
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`UPDATE %s
		SET holder = $2,
		    lease_id = $3,
		    fencing_token = fencing_token + 1,
		    lease_keys = $1::text[],
		    expires_at = now() + make_interval(secs => $4::double precision)
		WHERE lock_key = ANY($1::text[])
		RETURNING lock_key, fencing_token`, b.table),
		keys, holder, leaseID, ttl.Seconds(),
	)
	if err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: claim: %w", err)
	}

	lease := Lease{Keys: append([]string(nil), keys...), Holder: holder, ID: leaseID, ExpiresAt: start.Add(ttl)}
	for rows.Next() {
		var key string
		var token int64
		if err := rows.Scan(&key, &token); err != nil {
			rows.Close()
			return Lease{}, fmt.Errorf("lock/postgres: scan claim: %w", err)
		}
		if key == keys[0] {
			lease.Token = uint64(token)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: claim: %w", err)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET lease_token = $2 WHERE lock_key = ANY($1::text[])`, b.table),
		ordered, int64(lease.Token),
	); err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: stamp token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: commit: %w", err)
	}
	return lease, nil
}

// Extend implements Backend
func (b *PostgresBackend) Extend(ctx context.Context, lease Lease, ttl time.Duration) (time.Time, error) {
	if ttl < time.Millisecond {
		return time.Time{}, ErrInvalidRequest
	}
	start := b.now()

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return time.Time{}, fmt.Errorf("lock/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var updated int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`WITH extended AS (
			UPDATE %s
			SET expires_at = now() + make_interval(secs => $3::double precision)
			WHERE lock_key = ANY($1::text[]) AND lease_id = $2 AND expires_at > now()
			RETURNING lock_key
		) SELECT count(*) FROM extended`, b.table),
		lease.Keys, lease.ID, ttl.Seconds(),
	).Scan(&updated)
	if err != nil {
		return time.Time{}, fmt.Errorf("lock/postgres: extend: %w", err)
	}
	// partial matches roll back: some key was lost
	if updated == 0 || updated != len(lease.Keys) {
		return time.Time{}, ErrLockLost
	}
	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("lock/postgres: commit: %w", err)
	}
	return start.Add(ttl), nil
}

// Release implements Backend. The row and its fencing counter stay; only
// the expiry is cleared.
func (b *PostgresBackend) Release(ctx context.Context, lease Lease) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("lock/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
		SET expires_at = 'epoch', holder = '', lease_id = ''
		WHERE lock_key = ANY($1::text[]) AND lease_id = $2 AND expires_at > now()`, b.table),
		lease.Keys, lease.ID,
	)
	if err != nil {
		return fmt.Errorf("lock/postgres: release: %w", err)
	}
	if n := tag.RowsAffected(); n == 0 || n != int64(len(lease.Keys)) {
		return ErrLockLost
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lock/postgres: commit: %w", err)
	}
	return nil
}

// Inspect implements Backend
func (b *PostgresBackend) Inspect(ctx context.Context, key string) (Lease, error) {
	var lease Lease
	var token int64
	err := b.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT holder, lease_id, lease_token, lease_keys, expires_at
		FROM %s WHERE lock_key = $1 AND expires_at > now()`, b.table),
		key,
	).Scan(&lease.Holder, &lease.ID, &token, &lease.Keys, &lease.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, ErrNotHeld
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lock/postgres: inspect: %w", err)
	}
	lease.Token = uint64(token)
	return lease, nil
}

// Ping implements Backend
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close implements Backend. Pools passed to NewPostgresBackendFromPool are
// left open.
func (b *PostgresBackend) Close() error {
	if b.owned {
		b.pool.Close()
	}
	return nil
}
