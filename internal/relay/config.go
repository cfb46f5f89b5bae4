package relay

import (
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/config"
)

// DefaultKey is the shared secret both sides fall back to when none is set.
const DefaultKey = "changeme"

// Config defines the runtime configuration for the relay process.
type Config struct {
	Source    string // camera address (rtsp://, http://, file path, testsrc://)
	ServerURL string // hub producer endpoint, ws:// or wss://
	Key       string

	Width   int
	Height  int
	FPS     float64
	Quality int

	SendTimeout       time.Duration // per-frame transmit budget
	ReconnectDelay    time.Duration
	FirstFramePoll    time.Duration
	FirstFrameTries   int
	StatsWindow       time.Duration
	MaxEncodeFailures int

	MetricsAddr string // empty disables the metrics listener
}

// DefaultConfig returns the stock relay settings.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "ws://localhost:8000/ws/relay",
		Key:               DefaultKey,
		Width:             640,
		Height:            480,
		FPS:               20,
		Quality:           45,
		SendTimeout:       80 * time.Millisecond,
		ReconnectDelay:    3 * time.Second,
		FirstFramePoll:    100 * time.Millisecond,
		FirstFrameTries:   50,
		StatsWindow:       5 * time.Second,
		MaxEncodeFailures: 50,
	}
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() {
	c.Source = config.GetEnv("RTSP_URL", c.Source)
	c.ServerURL = config.GetEnv("SERVER_URL", c.ServerURL)
	c.Key = config.GetEnv("RELAY_KEY", c.Key)
	c.Width = config.GetEnvInt("FRAME_WIDTH", c.Width)
	c.Height = config.GetEnvInt("FRAME_HEIGHT", c.Height)
	c.FPS = config.GetEnvFloat("FPS", c.FPS)
	c.Quality = config.GetEnvInt("JPEG_QUALITY", c.Quality)
	c.SendTimeout = config.GetEnvDuration("SEND_TIMEOUT", c.SendTimeout)
	c.ReconnectDelay = config.GetEnvDuration("RECONNECT_DELAY", c.ReconnectDelay)
	c.MetricsAddr = config.GetEnv("METRICS_ADDR", c.MetricsAddr)
}

// Interval is the send cadence derived from FPS.
func (c Config) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.FPS)
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Source == "":
		return errors.New("source is required (RTSP_URL or --source)")
	case c.ServerURL == "":
		return errors.New("server URL is required")
	case c.Width <= 0 || c.Height <= 0:
		return errors.Errorf("frame size must be positive, got %dx%d", c.Width, c.Height)
	case c.FPS <= 0:
		return errors.Errorf("fps must be positive, got %g", c.FPS)
	case c.Quality < 0 || c.Quality > 100:
		return errors.Errorf("jpeg quality must be in [0,100], got %d", c.Quality)
	case c.SendTimeout <= 0:
		return errors.New("send timeout must be positive")
	case c.ReconnectDelay < 0:
		return errors.New("reconnect delay must not be negative")
	case c.FirstFrameTries <= 0 || c.FirstFramePoll <= 0:
		return errors.New("first frame wait must be positive")
	case c.StatsWindow <= 0:
		return errors.New("stats window must be positive")
	case c.MaxEncodeFailures <= 0:
		return errors.New("max encode failures must be positive")
	}
	return nil
}
