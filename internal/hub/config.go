package hub

import (
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/config"
)

// DefaultKey matches the relay's fallback secret.
const DefaultKey = "changeme"

// Config defines the runtime configuration for the hub server.
type Config struct {
	Addr      string
	Key       string
	PublicDir string // optional static files served under /

	ViewerSendTimeout time.Duration // budget for one viewer in a fan-out round
	SnapshotTimeout   time.Duration // budget for the cached frame sent on join
	PingInterval      time.Duration
	PongWait          time.Duration
	MaxFrameBytes     int64 // producer message limit
	ViewerReadLimit   int64
	StatusInterval    time.Duration
}

// DefaultConfig returns the stock hub settings.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8000",
		Key:               DefaultKey,
		ViewerSendTimeout: 150 * time.Millisecond,
		SnapshotTimeout:   time.Second,
		PingInterval:      10 * time.Second,
		PongWait:          30 * time.Second,
		MaxFrameBytes:     1 << 20,
		ViewerReadLimit:   4096,
		StatusInterval:    2 * time.Second,
	}
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() {
	if port := config.GetEnv("PORT", ""); port != "" {
		c.Addr = ":" + port
	}
	c.Key = config.GetEnv("RELAY_KEY", c.Key)
	c.PublicDir = config.GetEnv("PUBLIC_DIR", c.PublicDir)
	c.ViewerSendTimeout = config.GetEnvDuration("VIEWER_SEND_TIMEOUT", c.ViewerSendTimeout)
}

// Validate rejects configurations the hub cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("listen address is required")
	case c.Key == "":
		return errors.New("relay key must not be empty")
	case c.ViewerSendTimeout <= 0:
		return errors.New("viewer send timeout must be positive")
	case c.SnapshotTimeout <= 0:
		return errors.New("snapshot timeout must be positive")
	case c.PongWait <= c.PingInterval:
		return errors.Errorf("pong wait %s must exceed ping interval %s", c.PongWait, c.PingInterval)
	case c.MaxFrameBytes <= 0:
		return errors.New("max frame size must be positive")
	case c.StatusInterval <= 0:
		return errors.New("status interval must be positive")
	}
	return nil
}

// withDefaults fills zero durations so tests can pass partial configs.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ViewerSendTimeout == 0 {
		c.ViewerSendTimeout = d.ViewerSendTimeout
	}
	if c.SnapshotTimeout == 0 {
		c.SnapshotTimeout = d.SnapshotTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait == 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.ViewerReadLimit == 0 {
		c.ViewerReadLimit = d.ViewerReadLimit
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.Key == "" {
		c.Key = d.Key
	}
	return c
}
