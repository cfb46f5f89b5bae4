// Package relay pushes the freshest camera frame to the hub at a fixed
// cadence, dropping frames rather than letting a backlog form.
package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/metrics"
)

var log = logger.For("Relay")

var (
	// ErrNoFrames means the capture produced nothing within the first-frame wait.
	ErrNoFrames = errors.New("relay: no frames from source")
	// ErrEncodeExhausted means encoding failed too many times in a row.
	ErrEncodeExhausted = errors.New("relay: encoding exhausted")
	// ErrCaptureEnded means the capture loop closed mid-session.
	ErrCaptureEnded = errors.New("relay: capture ended")
)

const noFrameBackoff = 5 * time.Millisecond

// Option configures a Client.
type Option func(*Client)

// WithEncoder replaces the default JPEG encoder.
func WithEncoder(e codec.Encoder) Option {
	return func(c *Client) { c.encoder = e }
}

// WithMetrics records into m instead of a private instance.
func WithMetrics(m *metrics.Relay) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStatsHook is called with every finished stats window.
func WithStatsHook(fn func(WindowStats)) Option {
	return func(c *Client) { c.onStats = fn }
}

// Client runs capture sessions against the hub until its context ends.
type Client struct {
	cfg     Config
	opener  capture.Opener
	dialer  Dialer
	encoder codec.Encoder
	metrics *metrics.Relay
	pacer   *Pacer
	onStats func(WindowStats)
}

// NewClient validates cfg and returns a client ready to Run.
func NewClient(cfg Config, opener capture.Opener, dialer Dialer, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "relay config")
	}
	if opener == nil || dialer == nil {
		return nil, errors.New("relay: opener and dialer are required")
	}

	c := &Client{
		cfg:    cfg,
		opener: opener,
		dialer: dialer,
		pacer:  NewPacer(cfg.FPS),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.encoder == nil {
		enc, err := codec.NewJPEGEncoder(cfg.Quality)
		if err != nil {
			return nil, err
		}
		c.encoder = enc
	}
	if c.metrics == nil {
		c.metrics = metrics.NewRelay()
	}
	return c, nil
}

// Metrics returns the counters the client records into.
func (c *Client) Metrics() *metrics.Relay {
	return c.metrics
}

// Run repeats sessions with a fixed delay between them. It returns nil once
// ctx is cancelled; no other condition stops it.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.RunSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		log.Warn("session ended: %v; reconnecting in %s", err, c.cfg.ReconnectDelay)
		c.metrics.Reconnects.Add(1)
		if Sleep(ctx, c.cfg.ReconnectDelay) != nil {
			return nil
		}
	}
}

// RunSession performs one capture-connect-stream attempt. Capture and
// connection are always released before it returns.
func (c *Client) RunSession(ctx context.Context) error {
	id := uuid.NewString()[:8]

	loop := capture.NewLoop(c.opener, c.cfg.Width, c.cfg.Height)
	if err := loop.Start(); err != nil {
		return err
	}
	defer loop.Stop()

	if err := c.waitFirstFrame(ctx, loop); err != nil {
		return err
	}

	conn, err := c.dialer.Dial(ctx, c.cfg.ServerURL, c.cfg.Key)
	if err != nil {
		return errors.Wrap(err, "connect to hub")
	}
	defer conn.Close()

	log.Info("session %s connected to %s (%.0f fps, q%d, %s budget)",
		id, c.cfg.ServerURL, c.cfg.FPS, c.cfg.Quality, c.cfg.SendTimeout)
	c.metrics.Sessions.Add(1)

	err = c.stream(ctx, loop, conn)
	log.Info("session %s closed", id)
	return err
}

func (c *Client) waitFirstFrame(ctx context.Context, loop *capture.Loop) error {
	for i := 0; ; i++ {
		if _, ok := loop.Latest(); ok {
			return nil
		}
		if loop.State() == capture.Closed {
			return errors.Wrap(ErrNoFrames, "capture closed before first frame")
		}
		if i >= c.cfg.FirstFrameTries {
			return errors.Wrapf(ErrNoFrames, "nothing after %s",
				time.Duration(c.cfg.FirstFrameTries)*c.cfg.FirstFramePoll)
		}
		if err := Sleep(ctx, c.cfg.FirstFramePoll); err != nil {
			return err
		}
	}
}

// stream is the paced send loop. Each cycle sends whatever frame is newest
// at that moment; a send that overruns SendTimeout drops that frame.
func (c *Client) stream(ctx context.Context, loop *capture.Loop, conn Conn) error {
	win := NewWindow(c.cfg.StatsWindow, time.Now())
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return ErrConnClosed
		case <-loop.Done():
			return ErrCaptureEnded
		default:
		}

		start := time.Now()

		frame, ok := loop.Latest()
		if !ok {
			if err := Sleep(ctx, noFrameBackoff); err != nil {
				return err
			}
			continue
		}
		c.metrics.CaptureFrames.Store(loop.Frames())
		c.metrics.CaptureOverwrites.Store(loop.Overwrites())

		data, err := c.encoder.Encode(frame.Image)
		if err != nil {
			failures++
			win.EncodeError()
			c.metrics.EncodeErrors.Add(1)
			if failures >= c.cfg.MaxEncodeFailures {
				return errors.Wrapf(ErrEncodeExhausted, "%d consecutive failures, last: %v", failures, err)
			}
			log.Debug("encode failed (%d in a row): %v", failures, err)
		} else {
			failures = 0
			if err := c.send(ctx, conn, data, win); err != nil {
				return err
			}
		}

		if s, ok := win.Roll(time.Now()); ok {
			log.Info("%s", s)
			if c.onStats != nil {
				c.onStats(s)
			}
		}

		if err := c.pacer.Wait(ctx, start); err != nil {
			return err
		}
	}
}

// send returns nil for delivered and dropped frames; any other result ends
// the session.
func (c *Client) send(ctx context.Context, conn Conn, data []byte, win *Window) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	err := conn.Send(sctx, data)
	cancel()

	switch {
	case err == nil:
		win.Sent(len(data))
		c.metrics.RecordSent(len(data))
		return nil
	case errors.Is(err, ErrSendTimeout):
		win.Dropped(len(data))
		c.metrics.RecordDropped(len(data))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.Wrap(err, "send frame")
	}
}
