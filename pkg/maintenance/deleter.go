package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/jobs"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
)

// Deleter purges rows that were soft-deleted (deleted = true) longer than
// Retention ago. Each run removes at most BatchSize rows per table, so a
// large backlog drains over several runs.
type Deleter struct {
	db     DB
	cfg    DeleterConfig
	logger logging.Logger
	now    func() time.Time
}

var _ jobs.Runnable = (*Deleter)(nil)

// NewDeleter creates the purge job
func NewDeleter(db DB, cfg DeleterConfig, logger logging.Logger) (*Deleter, error) {
	if db == nil {
		return nil, errors.New("maintenance: database is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Deleter{
		db:     db,
		cfg:    cfg,
		logger: logging.OrNop(logger).With(logging.Component("maintenance"), logging.Job(JobDatabaseDeleter)),
		now:    time.Now,
	}, nil
}

// Descriptor runs the deleter on one replica at a time, with the lock held
// for one interval
func (d *Deleter) Descriptor() jobs.Descriptor {
	return jobs.Descriptor{
		Name:     JobDatabaseDeleter,
		Interval: d.cfg.Interval,
		MutexKey: JobDatabaseDeleter,
		LockTTL:  d.cfg.Interval,
	}
}

// Run purges one batch from every table. A failing table does not stop the
// others.
func (d *Deleter) Run(ctx context.Context) error {
	cutoff := d.now().Add(-d.cfg.Retention)
	var (
		errs  []error
		total int64
	)
	for _, table := range d.cfg.Tables {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := d.purge(ctx, table, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", table, err))
			continue
		}
		if n > 0 {
			d.logger.Debug("purged soft-deleted rows", logging.String("table", table), logging.Int64("rows", n))
		}
		total += n
	}
	if total > 0 {
		d.logger.Info("database deleter run finished", logging.Int64("rows", total))
	}
	return errors.Join(errs...)
}

func (d *Deleter) purge(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	t := quote(table)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE ctid IN (
			SELECT ctid FROM %s
			WHERE deleted AND updated_at < $1
			LIMIT $2
		)`, t, t)

	tag, err := d.db.Exec(ctx, query, cutoff, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
