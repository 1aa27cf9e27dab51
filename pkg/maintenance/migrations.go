package maintenance

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-controlplane/pkg/jobs"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
)

// Migration is a data migration too large for one transaction. RunBatch
// migrates the next batch and reports done once nothing is left.
type Migration interface {
	Name() string
	RunBatch(ctx context.Context, db DB, batchSize int) (done bool, err error)
}

// SQLMigration runs a batched statement until it affects no rows. The
// statement takes the batch size as $1.
type SQLMigration struct {
	ID        string
	Statement string
}

// Name implements Migration
func (m SQLMigration) Name() string { return m.ID }

// RunBatch implements Migration
func (m SQLMigration) RunBatch(ctx context.Context, db DB, batchSize int) (bool, error) {
	tag, err := db.Exec(ctx, m.Statement, batchSize)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 0, nil
}

// DefaultMigrations backfills the soft-delete flag the deleter relies on
func DefaultMigrations(tables []string) []Migration {
	out := make([]Migration, 0, len(tables))
	for _, table := range tables {
		t := quote(table)
		out = append(out, SQLMigration{
			ID: "backfill-deleted-flag-" + table,
			Statement: fmt.Sprintf(`
				UPDATE %s SET deleted = false
				WHERE ctid IN (SELECT ctid FROM %s WHERE deleted IS NULL LIMIT $1)`, t, t),
		})
	}
	return out
}

// MigrationRunner advances every pending migration by one batch per run and
// records completed ones. Once all are complete it returns jobs.ErrCompleted
// so the scheduler retires it.
type MigrationRunner struct {
	db         DB
	cfg        MigrationsConfig
	migrations []Migration
	logger     logging.Logger
	ensured    bool
}

var _ jobs.Runnable = (*MigrationRunner)(nil)

// NewMigrationRunner creates the migrations job
func NewMigrationRunner(db DB, cfg MigrationsConfig, migrations []Migration, logger logging.Logger) (*MigrationRunner, error) {
	if db == nil {
		return nil, errors.New("maintenance: database is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(migrations))
	for _, m := range migrations {
		if _, dup := seen[m.Name()]; dup {
			return nil, fmt.Errorf("maintenance: duplicate migration %q", m.Name())
		}
		seen[m.Name()] = struct{}{}
	}
	return &MigrationRunner{
		db:         db,
		cfg:        cfg,
		migrations: migrations,
		logger:     logging.OrNop(logger).With(logging.Component("maintenance"), logging.Job(JobMigrations)),
	}, nil
}

// Descriptor runs migrations on the leader only
func (r *MigrationRunner) Descriptor() jobs.Descriptor {
	return jobs.Descriptor{
		Name:               JobMigrations,
		Interval:           r.cfg.Interval,
		RequiresLeadership: true,
	}
}

func (r *MigrationRunner) ensureTable(ctx context.Context) error {
	if r.ensured {
		return nil
	}
	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, quote(r.cfg.Table)))
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	r.ensured = true
	return nil
}

func (r *MigrationRunner) completed(ctx context.Context, name string) (bool, error) {
	var done bool
	err := r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1)`, quote(r.cfg.Table)),
		name,
	).Scan(&done)
	return done, err
}

func (r *MigrationRunner) markCompleted(ctx context.Context, name string) error {
	_, err := r.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, quote(r.cfg.Table)),
		name,
	)
	return err
}

// Run implements jobs.Runnable. Ticks of one job never overlap, so the
// runner needs no locking of its own.
func (r *MigrationRunner) Run(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}

	pending := 0
	for _, m := range r.migrations {
		name := m.Name()
		done, err := r.completed(ctx, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if done {
			continue
		}

		finished, err := m.RunBatch(ctx, r.db, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if !finished {
			pending++
			continue
		}
		if err := r.markCompleted(ctx, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		r.logger.Info("migration completed", logging.String("migration", name))
	}

	if pending > 0 {
		r.logger.Debug("migrations pending", logging.Int("count", pending))
		return nil
	}
	r.logger.Info("all long-running migrations completed")
	return jobs.ErrCompleted
}
