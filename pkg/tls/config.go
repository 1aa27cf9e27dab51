// Package tls builds the server TLS configuration of the API listener, from
// files or a generated self-signed certificate.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// Config configures TLS on a listener
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// CAFile enables client certificate verification when set
	CAFile string `yaml:"caFile"`

	// AutoGenerate creates a self-signed certificate when no files are given
	AutoGenerate bool          `yaml:"autoGenerate"`
	Hosts        []string      `yaml:"hosts"`
	ValidFor     time.Duration `yaml:"validFor"`
}

// DefaultConfig returns a disabled configuration that self-signs for
// localhost once enabled
func DefaultConfig() Config {
	return Config{
		AutoGenerate: true,
		Hosts:        []string{"localhost", "127.0.0.1"},
		ValidFor:     365 * 24 * time.Hour,
	}
}

// Validate checks the configuration. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.NewConfigValidator("tls").
		Custom("CertFile", func() error {
			if (c.CertFile == "") != (c.KeyFile == "") {
				return errors.New("certFile and keyFile must be set together")
			}
			if c.CertFile == "" && !c.AutoGenerate {
				return errors.New("no certificate given and autoGenerate is off")
			}
			return nil
		}).
		When(c.CertFile == "" && c.AutoGenerate, func(cv *validation.ConfigValidator) {
			cv.MinDuration("ValidFor", c.ValidFor, time.Hour)
			if len(c.Hosts) == 0 {
				cv.Custom("Hosts", func() error { return errors.New("at least one host is required") })
			}
		}).
		Validate()
}

// ServerConfig loads or generates the certificate. It returns nil when TLS
// is disabled.
func (c Config) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var (
		cert tls.Certificate
		err  error
	)
	if c.CertFile != "" {
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
	} else {
		cert, err = GenerateSelfSigned(c.Hosts, c.ValidFor)
		if err != nil {
			return nil, err
		}
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tc, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}
