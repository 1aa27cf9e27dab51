package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-controlplane/pkg/jobs"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func tempTable(t *testing.T, pool *pgxpool.Pool, prefix, ddl string) string {
	t.Helper()
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := pool.Exec(context.Background(), fmt.Sprintf(ddl, quote(name)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+quote(name))
	})
	return name
}

func TestPostgres_DeleterAndMigrations(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	table := tempTable(t, pool, "maint_rows_", `CREATE TABLE %s (
		id SERIAL PRIMARY KEY,
		deleted BOOLEAN,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	old := time.Now().Add(-48 * time.Hour)
	insert := fmt.Sprintf(`INSERT INTO %s (deleted, updated_at) VALUES ($1, $2)`, quote(table))
	for _, row := range []struct {
		deleted any
		at      time.Time
	}{
		{true, old}, {true, old}, {true, old}, // purged
		{true, time.Now()}, // within retention
		{false, old},
		{nil, old}, {nil, old}, // backfilled by the migration
	} {
		_, err := pool.Exec(ctx, insert, row.deleted, row.at)
		require.NoError(t, err)
	}

	migrationsTable := "maint_migrations_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+quote(migrationsTable))
	})

	mc := DefaultMigrationsConfig()
	mc.BatchSize = 1
	mc.Table = migrationsTable
	runner, err := NewMigrationRunner(pool, mc, DefaultMigrations([]string{table}), nil)
	require.NoError(t, err)

	var runErr error
	for i := 0; i < 5; i++ {
		if runErr = runner.Run(ctx); runErr != nil {
			break
		}
	}
	require.True(t, errors.Is(runErr, jobs.ErrCompleted), "migrations should complete, got %v", runErr)

	var nulls int
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE deleted IS NULL`, quote(table))).Scan(&nulls))
	assert.Zero(t, nulls)

	dc := DefaultDeleterConfig()
	dc.Tables = []string{table}
	dc.BatchSize = 2
	dc.Retention = 24 * time.Hour
	deleter, err := NewDeleter(pool, dc, nil)
	require.NoError(t, err)

	count := func() int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, quote(table))).Scan(&n))
		return n
	}

	require.NoError(t, deleter.Run(ctx))
	assert.Equal(t, 5, count())
	require.NoError(t, deleter.Run(ctx))
	assert.Equal(t, 4, count())
	require.NoError(t, deleter.Run(ctx))
	assert.Equal(t, 4, count(), "recent and live rows must survive")
}
