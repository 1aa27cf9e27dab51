// Package config loads the replica process configuration from YAML, the
// environment and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-controlplane/pkg/bus"
	"github.com/dd0wney/cluso-controlplane/pkg/consensus"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/maintenance"
	tlsconfig "github.com/dd0wney/cluso-controlplane/pkg/tls"
	"github.com/dd0wney/cluso-controlplane/pkg/validation"
	"github.com/dd0wney/cluso-controlplane/pkg/websocket"
)

// Config is the complete configuration of one replica
type Config struct {
	// ReplicaID defaults to hostname plus a random suffix
	ReplicaID string `yaml:"replicaId"`
	LogLevel  string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`

	HTTP      HTTPConfig       `yaml:"http"`
	Bus       BusConfig        `yaml:"bus"`
	Lock      LockConfig       `yaml:"lock"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Session   SessionConfig    `yaml:"session"`
	Auth      AuthConfig       `yaml:"auth"`
	Consensus consensus.Config `yaml:"consensus"`
	Websocket websocket.Config `yaml:"websocket"`
	Jobs      JobsConfig       `yaml:"jobs"`
}

// HTTPConfig configures the API and metrics listeners
type HTTPConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	MetricsListen   string        `yaml:"metricsListen" validate:"omitempty,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	// TLS applies to the API listener only
	TLS tlsconfig.Config `yaml:"tls"`
}

// BusConfig selects the bus transport and hub addresses
type BusConfig struct {
	Transport         string        `yaml:"transport" validate:"required"`
	PublishAddr       string        `yaml:"publishAddr" validate:"required"`
	SubscribeAddr     string        `yaml:"subscribeAddr" validate:"required"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	SendTimeout       time.Duration `yaml:"sendTimeout"`
	CompressThreshold int           `yaml:"compressThreshold" validate:"gte=0"`
}

// LockConfig selects the lease backend shared by the mutex and the quorum
type LockConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory redis postgres"`
	// Prefix namespaces redis keys
	Prefix string `yaml:"prefix"`
	// Table holds leases when Backend is postgres
	Table string `yaml:"table" validate:"omitempty,resource"`
}

// DatabaseConfig points at the PostgreSQL database used by maintenance
// jobs and the postgres lock backend
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns" validate:"gte=0"`
}

// RedisConfig points at the Redis server used by the redis lock backend
// and session store
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// SessionConfig selects where cookie sessions are resolved
type SessionConfig struct {
	Store  string `yaml:"store" validate:"oneof=memory redis"`
	Prefix string `yaml:"prefix"`
}

// AuthConfig configures bearer token validation. An empty secret disables
// bearer authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret" validate:"omitempty,min=32"`
	Issuer    string `yaml:"issuer"`
}

// JobsConfig enables the maintenance jobs
type JobsConfig struct {
	DatabaseDeleter maintenance.DeleterConfig    `yaml:"databaseDeleter"`
	Migrations      maintenance.MigrationsConfig `yaml:"migrations"`
}

// Default returns a single-replica development configuration
func Default() *Config {
	bc := bus.DefaultConfig()
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Listen:          ":3000",
			MetricsListen:   ":9500",
			ShutdownTimeout: 30 * time.Second,
			TLS:             tlsconfig.DefaultConfig(),
		},
		Bus: BusConfig{
			Transport:         "nng",
			PublishAddr:       bc.PublishAddr,
			SubscribeAddr:     bc.SubscribeAddr,
			DialTimeout:       bc.DialTimeout,
			SendTimeout:       bc.SendTimeout,
			CompressThreshold: bc.CompressThreshold,
		},
		Lock: LockConfig{
			Backend: "memory",
			Prefix:  "controlplane:",
			Table:   "controlplane_locks",
		},
		Session: SessionConfig{
			Store:  "memory",
			Prefix: "session:",
		},
		Auth:      AuthConfig{Issuer: "cluso"},
		Consensus: consensus.DefaultConfig(),
		Websocket: websocket.DefaultConfig("localhost"),
		Jobs: JobsConfig{
			DatabaseDeleter: maintenance.DefaultDeleterConfig(),
			Migrations:      maintenance.DefaultMigrationsConfig(),
		},
	}
}

// Load reads path over the defaults and applies LOG_LEVEL. An empty path
// returns the defaults. The result is not validated; call Validate once
// flag overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct tags, then every component config and the
// cross-field rules between them
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}

	cv := validation.NewConfigValidator("config")
	cv.Custom("http.tls", c.HTTP.TLS.Validate).
		Custom("consensus", c.Consensus.Validate).
		Custom("websocket", c.Websocket.Validate).
		Custom("bus", func() error {
			_, err := bus.NewTransport(c.Bus.Transport)
			return err
		}).
		Custom("jobs.databaseDeleter", c.Jobs.DatabaseDeleter.Validate).
		Custom("jobs.migrations", c.Jobs.Migrations.Validate).
		When(c.Lock.Backend == "redis" || c.Session.Store == "redis", func(cv *validation.ConfigValidator) {
			cv.Required("redis.addr", c.Redis.Addr)
		}).
		When(c.Lock.Backend == "postgres" || c.Jobs.DatabaseDeleter.Enabled || c.Jobs.Migrations.Enabled, func(cv *validation.ConfigValidator) {
			cv.Required("database.url", c.Database.URL)
		})
	return cv.Validate()
}

// BusConfig returns the bus connection settings for replicaID
func (c *Config) BusConfig(replicaID string) bus.Config {
	bc := bus.DefaultConfig()
	bc.PublishAddr = c.Bus.PublishAddr
	bc.SubscribeAddr = c.Bus.SubscribeAddr
	bc.SenderID = replicaID
	bc.DialTimeout = validation.DefaultOrDuration(c.Bus.DialTimeout, bc.DialTimeout)
	bc.SendTimeout = validation.DefaultOrDuration(c.Bus.SendTimeout, bc.SendTimeout)
	bc.CompressThreshold = c.Bus.CompressThreshold
	return bc
}

// Level returns the parsed log level
func (c *Config) Level() logging.Level {
	return logging.ParseLevel(strings.TrimSpace(c.LogLevel))
}
