package websocket

import (
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// Endpoint paths
const (
	PathSession = "/api/ws"
	PathBearer  = "/api/v1/ws"
)

// Config configures the websocket endpoints
type Config struct {
	// Domain is the public host name; browser origins must be on it
	Domain string `yaml:"domain"`
	// AllowedOrigins lists further origins accepted verbatim, e.g. http://localhost:3000
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// DisableOriginCheck turns the CSRF guard off. Development only.
	DisableOriginCheck bool `yaml:"disableOriginCheck"`

	SessionCookie string        `yaml:"sessionCookie"`
	PingInterval  time.Duration `yaml:"pingInterval"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	AuthTimeout   time.Duration `yaml:"authTimeout"`
}

// DefaultConfig returns production settings for domain
func DefaultConfig(domain string) Config {
	return Config{
		Domain:        domain,
		SessionCookie: "_cluso_session",
		PingInterval:  30 * time.Second,
		IdleTimeout:   90 * time.Second,
		WriteTimeout:  10 * time.Second,
		AuthTimeout:   5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validation.NewConfigValidator("websocket.Config").
		When(!c.DisableOriginCheck, func(cv *validation.ConfigValidator) {
			cv.Required("Domain", c.Domain)
		}).
		Required("SessionCookie", c.SessionCookie).
		RequiredDuration("PingInterval", c.PingInterval).
		ShorterThan("PingInterval", c.PingInterval, "IdleTimeout", c.IdleTimeout).
		RequiredDuration("WriteTimeout", c.WriteTimeout).
		RequiredDuration("AuthTimeout", c.AuthTimeout).
		Validate()
}
