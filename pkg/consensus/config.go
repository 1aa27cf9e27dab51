package consensus

import (
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// LeaseKey is the lock key every replica claims to lead
const LeaseKey = "consensus-leader"

// Config configures a Quorum
type Config struct {
	// HeartbeatInterval is how often the leader renews and re-broadcasts, and
	// how often followers check for an expired lease
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	// LeaseTTL is how long a claim or renewal stays valid without renewal
	LeaseTTL time.Duration `yaml:"leaseTTL"`
	// LeaseKey overrides the claimed lock key
	LeaseKey string `yaml:"leaseKey"`
	// StartJitter delays the first tick by a random amount up to this value
	StartJitter time.Duration `yaml:"startJitter"`
	// OperationTimeout bounds each backend call
	OperationTimeout time.Duration `yaml:"operationTimeout"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 2 * time.Second,
		LeaseTTL:          10 * time.Second,
		LeaseKey:          LeaseKey,
		StartJitter:       time.Second,
		OperationTimeout:  time.Second,
	}
}

// Validate checks the config
func (c Config) Validate() error {
	return validation.NewConfigValidator("consensus").
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, time.Millisecond).
		MinDuration("LeaseTTL", c.LeaseTTL, time.Millisecond).
		ShorterThan("HeartbeatInterval", c.HeartbeatInterval, "LeaseTTL", c.LeaseTTL).
		Required("LeaseKey", c.LeaseKey).
		Custom("LeaseKey", func() error { return validation.ValidateResourceName(c.LeaseKey) }).
		MinDuration("StartJitter", c.StartJitter, 0).
		MinDuration("OperationTimeout", c.OperationTimeout, time.Millisecond).
		Validate()
}
