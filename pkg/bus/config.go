package bus

import (
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/validation"
)

// Config configures a replica's connection to the bus hub
type Config struct {
	// PublishAddr is the hub collector, e.g. tcp://bus:4800
	PublishAddr string
	// SubscribeAddr is the hub distributor, e.g. tcp://bus:4801
	SubscribeAddr string
	// SenderID is stamped into every envelope; usually the replica id
	SenderID string

	DialTimeout       time.Duration
	SendTimeout       time.Duration
	RecvPollInterval  time.Duration
	CompressThreshold int
}

// DefaultConfig returns settings suited to a hub on the local network
func DefaultConfig() Config {
	return Config{
		PublishAddr:       "tcp://127.0.0.1:4800",
		SubscribeAddr:     "tcp://127.0.0.1:4801",
		DialTimeout:       5 * time.Second,
		SendTimeout:       time.Second,
		RecvPollInterval:  250 * time.Millisecond,
		CompressThreshold: 4096,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validation.NewConfigValidator("bus.Config").
		Required("PublishAddr", c.PublishAddr).
		Required("SubscribeAddr", c.SubscribeAddr).
		Required("SenderID", c.SenderID).
		RequiredDuration("DialTimeout", c.DialTimeout).
		RequiredDuration("SendTimeout", c.SendTimeout).
		MinDuration("RecvPollInterval", c.RecvPollInterval, time.Millisecond).
		NonNegative("CompressThreshold", c.CompressThreshold).
		Validate()
}

// HubConfig configures the bus hub process
type HubConfig struct {
	CollectAddr      string
	DistributeAddr   string
	RecvPollInterval time.Duration
}

// DefaultHubConfig listens on all interfaces
func DefaultHubConfig() HubConfig {
	return HubConfig{
		CollectAddr:      "tcp://0.0.0.0:4800",
		DistributeAddr:   "tcp://0.0.0.0:4801",
		RecvPollInterval: 250 * time.Millisecond,
	}
}

// Validate checks the configuration
func (c HubConfig) Validate() error {
	return validation.NewConfigValidator("bus.HubConfig").
		Required("CollectAddr", c.CollectAddr).
		Required("DistributeAddr", c.DistributeAddr).
		MinDuration("RecvPollInterval", c.RecvPollInterval, time.Millisecond).
		Validate()
}
