package config

import (
	"github.com/spf13/pflag"
)

// Flags are the command-line overrides of the replica process
type Flags struct {
	ConfigPath    string
	Listen        string
	MetricsListen string
	ReplicaID     string
	LogLevel      string

	fs *pflag.FlagSet
}

// RegisterFlags adds the replica flags to fs
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&f.Listen, "listen", "", "API listen address (host:port)")
	fs.StringVar(&f.MetricsListen, "metrics-listen", "", "metrics and health listen address (host:port)")
	fs.StringVar(&f.ReplicaID, "replica-id", "", "replica identifier (default: hostname plus random suffix)")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	return f
}

// Apply copies every flag set on the command line into cfg
func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("listen") {
		cfg.HTTP.Listen = f.Listen
	}
	if f.fs.Changed("metrics-listen") {
		cfg.HTTP.MetricsListen = f.MetricsListen
	}
	if f.fs.Changed("replica-id") {
		cfg.ReplicaID = f.ReplicaID
	}
	if f.fs.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
}

// LoadWithFlags loads the file named by --config, applies the flags and
// validates the result
func LoadWithFlags(f *Flags) (*Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	f.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
