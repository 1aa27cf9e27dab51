package maintenance

import (
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// Job names, also used as mutex keys
const (
	JobDatabaseDeleter = "database-deleter"
	JobMigrations      = "long-running-migrations"
)

// DeleterConfig configures the soft-delete purge job
type DeleterConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
	// Retention is how long soft-deleted rows are kept
	Retention time.Duration `yaml:"retention"`
	Tables    []string      `yaml:"tables"`
}

// DefaultDeleterConfig runs every 30 seconds
func DefaultDeleterConfig() DeleterConfig {
	return DeleterConfig{
		Interval:  30 * time.Second,
		BatchSize: 500,
		Retention: 7 * 24 * time.Hour,
		Tables:    []string{"workspace_instances", "workspaces", "prebuilds", "user_sessions"},
	}
}

// Validate checks the configuration
func (c DeleterConfig) Validate() error {
	return validation.NewConfigValidator("maintenance.DeleterConfig").
		MinDuration("Interval", c.Interval, time.Second).
		RangeInt("BatchSize", c.BatchSize, 1, 100000).
		MinDuration("Retention", c.Retention, 0).
		When(c.Enabled, func(cv *validation.ConfigValidator) {
			cv.Keys("Tables", c.Tables)
		}).
		Custom("Tables", func() error { return validIdentifiers(c.Tables) }).
		Validate()
}

// MigrationsConfig configures the long-running migrations job
type MigrationsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
	// Table records completed migrations
	Table string `yaml:"table"`
}

// DefaultMigrationsConfig runs a batch every 5 minutes
func DefaultMigrationsConfig() MigrationsConfig {
	return MigrationsConfig{
		Interval:  5 * time.Minute,
		BatchSize: 1000,
		Table:     "controlplane_migrations",
	}
}

// Validate checks the configuration
func (c MigrationsConfig) Validate() error {
	return validation.NewConfigValidator("maintenance.MigrationsConfig").
		MinDuration("Interval", c.Interval, time.Second).
		RangeInt("BatchSize", c.BatchSize, 1, 100000).
		Required("Table", c.Table).
		Custom("Table", func() error { return validIdentifiers([]string{c.Table}) }).
		Validate()
}
