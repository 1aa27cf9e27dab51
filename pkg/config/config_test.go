package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controlplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":3000", cfg.HTTP.Listen)
	assert.Equal(t, "nng", cfg.Bus.Transport)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, logging.InfoLevel, cfg.Level())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP, cfg.HTTP)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
replicaId: replica-7
http:
  listen: 0.0.0.0:8080
lock:
  backend: redis
redis:
  addr: redis:6379
consensus:
  heartbeatInterval: 500ms
  leaseTTL: 3s
jobs:
  databaseDeleter:
    enabled: true
    tables: [workspaces]
database:
  url: postgres://cp@db/cp
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "replica-7", cfg.ReplicaID)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Listen)
	assert.Equal(t, ":9500", cfg.HTTP.MetricsListen, "unset keys keep their defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.Consensus.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Consensus.LeaseTTL)
	assert.Equal(t, []string{"workspaces"}, cfg.Jobs.DatabaseDeleter.Tables)
	assert.Equal(t, 500, cfg.Jobs.DatabaseDeleter.BatchSize)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "http:\n  listn: :8080\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listn")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_LogLevelEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Load(writeConfig(t, "logLevel: error\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, logging.DebugLevel, cfg.Level())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"bad listen", func(c *Config) { c.HTTP.Listen = "nope" }, "Listen"},
		{"zero shutdown", func(c *Config) { c.HTTP.ShutdownTimeout = 0 }, "ShutdownTimeout"},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "etcd" }, "Backend"},
		{"bad lock table", func(c *Config) { c.Lock.Table = "Locks Table" }, "Table"},
		{"unknown transport", func(c *Config) { c.Bus.Transport = "carrier-pigeon" }, "bus"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "JWTSecret"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "LogLevel"},
		{"redis lock without addr", func(c *Config) { c.Lock.Backend = "redis" }, "redis.addr"},
		{"redis sessions without addr", func(c *Config) { c.Session.Store = "redis" }, "redis.addr"},
		{"postgres lock without url", func(c *Config) { c.Lock.Backend = "postgres" }, "database.url"},
		{"migrations without url", func(c *Config) { c.Jobs.Migrations.Enabled = true }, "database.url"},
		{"heartbeat not shorter than lease", func(c *Config) { c.Consensus.HeartbeatInterval = c.Consensus.LeaseTTL }, "HeartbeatInterval"},
		{"websocket ping not shorter than idle", func(c *Config) { c.Websocket.PingInterval = c.Websocket.IdleTimeout }, "PingInterval"},
		{"deleter interval too short", func(c *Config) { c.Jobs.DatabaseDeleter.Interval = time.Millisecond }, "Interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestBusConfig(t *testing.T) {
	cfg := Default()
	cfg.Bus.DialTimeout = 0
	cfg.Bus.PublishAddr = "tcp://hub:4800"

	bc := cfg.BusConfig("replica-1")
	assert.Equal(t, "replica-1", bc.SenderID)
	assert.Equal(t, "tcp://hub:4800", bc.PublishAddr)
	assert.Equal(t, 5*time.Second, bc.DialTimeout, "zero falls back to the bus default")
}

func TestFlags_OverrideFile(t *testing.T) {
	path := writeConfig(t, "http:\n  listen: :8080\n  metricsListen: :9090\n")

	fs := pflag.NewFlagSet("controlplane", pflag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-c", path, "--listen", "127.0.0.1:4000", "--replica-id", "r1"}))

	cfg, err := LoadWithFlags(f)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.HTTP.Listen)
	assert.Equal(t, ":9090", cfg.HTTP.MetricsListen, "unset flags leave the file value")
	assert.Equal(t, "r1", cfg.ReplicaID)
}

func TestFlags_InvalidResult(t *testing.T) {
	fs := pflag.NewFlagSet("controlplane", pflag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "loud"}))

	_, err := LoadWithFlags(f)
	assert.Error(t, err)
}
