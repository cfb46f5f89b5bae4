package relay

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/capture"
)

// fakeConn records send attempts. delay simulates a slow uplink; closeAfter
// closes the connection after that many delivered frames.
type fakeConn struct {
	delay      time.Duration
	closeAfter int

	mu        sync.Mutex
	attempts  int
	delivered int
	done      chan struct{}
	once      sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return sendCtxErr(ctx)
		}
	}

	c.mu.Lock()
	c.delivered++
	n := c.delivered
	c.mu.Unlock()
	if c.closeAfter > 0 && n >= c.closeAfter {
		c.Close()
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) counts() (attempts, delivered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts, c.delivered
}

type fakeDialer struct {
	newConn func() *fakeConn

	mu    sync.Mutex
	conns []*fakeConn
	keys  []string
}

func (d *fakeDialer) Dial(_ context.Context, _, key string) (Conn, error) {
	c := newFakeConn()
	if d.newConn != nil {
		c = d.newConn()
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.keys = append(d.keys, key)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Source = "testsrc://320x240?fps=100"
	cfg.Width, cfg.Height = 320, 240
	cfg.FirstFramePoll = 10 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func fastCamera() capture.Opener {
	return &capture.PatternOpener{Width: 320, Height: 240, FPS: 100}
}

// 100 fps camera, 20 fps cadence: the wire sees at most one attempt per
// interval, never the capture rate.
func TestSendRateBoundedByFPS(t *testing.T) {
	cfg := testConfig()
	cfg.StatsWindow = time.Second

	windows := make(chan WindowStats, 4)
	dialer := &fakeDialer{}
	c, err := NewClient(cfg, fastCamera(), dialer, WithStatsHook(func(s WindowStats) {
		windows <- s
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.RunSession(ctx) }()

	var s WindowStats
	select {
	case s = <-windows:
	case <-time.After(5 * time.Second):
		t.Fatal("no stats window")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	attempts := s.Sent + s.Dropped
	assert.LessOrEqual(t, attempts, 21, "one attempt per 50ms interval")
	assert.GreaterOrEqual(t, attempts, 10)
	assert.Zero(t, s.Dropped, "fast conn never drops")
	assert.Greater(t, s.LastSize, 0)

	require.Equal(t, 1, dialer.dials())
	assert.Equal(t, DefaultKey, dialer.keys[0])
}

func TestSlowConnDropsInsteadOfQueueing(t *testing.T) {
	cfg := testConfig()
	cfg.StatsWindow = 400 * time.Millisecond

	windows := make(chan WindowStats, 4)
	dialer := &fakeDialer{newConn: func() *fakeConn {
		c := newFakeConn()
		c.delay = 500 * time.Millisecond
		return c
	}}
	c, err := NewClient(cfg, fastCamera(), dialer, WithStatsHook(func(s WindowStats) {
		windows <- s
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunSession(ctx)

	var s WindowStats
	select {
	case s = <-windows:
	case <-time.After(5 * time.Second):
		t.Fatal("no stats window")
	}
	cancel()

	assert.Zero(t, s.Sent)
	// Each cycle is capped by the 80ms send budget.
	assert.GreaterOrEqual(t, s.Dropped, 3)
	assert.LessOrEqual(t, s.Dropped, 6)
	assert.Equal(t, uint64(0), c.Metrics().FramesSent.Load())
	assert.GreaterOrEqual(t, c.Metrics().FramesDropped.Load(), uint64(3))
}

func TestRunReconnectsAfterConnectionLoss(t *testing.T) {
	cfg := testConfig()
	dialer := &fakeDialer{newConn: func() *fakeConn {
		c := newFakeConn()
		c.closeAfter = 2
		return c
	}}
	c, err := NewClient(cfg, fastCamera(), dialer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return dialer.dials() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean exit")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, c.Metrics().Reconnects.Load(), uint64(2))
	assert.GreaterOrEqual(t, c.Metrics().Sessions.Load(), uint64(3))
}

type stuckSource struct{ closed chan struct{} }

func (s *stuckSource) Grab() error {
	<-s.closed
	return capture.ErrClosed
}
func (s *stuckSource) Retrieve() (image.Image, error) { return nil, capture.ErrClosed }
func (s *stuckSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestNoFramesFailsWithoutDialing(t *testing.T) {
	cfg := testConfig()
	cfg.FirstFrameTries = 3

	opener := capture.OpenerFunc(func(context.Context) (capture.Source, error) {
		return &stuckSource{closed: make(chan struct{})}, nil
	})
	dialer := &fakeDialer{}
	c, err := NewClient(cfg, opener, dialer)
	require.NoError(t, err)

	start := time.Now()
	err = c.RunSession(context.Background())
	assert.ErrorIs(t, err, ErrNoFrames)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, dialer.dials())
}

func TestOpenFailureIsNoFrames(t *testing.T) {
	cfg := testConfig()
	opener := capture.OpenerFunc(func(context.Context) (capture.Source, error) {
		return nil, errors.New("401 Unauthorized")
	})
	c, err := NewClient(cfg, opener, &fakeDialer{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.RunSession(context.Background()), ErrNoFrames)
}

type failingEncoder struct{ calls atomic.Int32 }

func (e *failingEncoder) Encode(image.Image) ([]byte, error) {
	e.calls.Add(1)
	return nil, errors.New("encoder unavailable")
}

func TestEncodeExhaustionEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.FPS = 100
	cfg.MaxEncodeFailures = 4

	enc := &failingEncoder{}
	dialer := &fakeDialer{}
	c, err := NewClient(cfg, fastCamera(), dialer, WithEncoder(enc))
	require.NoError(t, err)

	err = c.RunSession(context.Background())
	assert.ErrorIs(t, err, ErrEncodeExhausted)
	assert.Equal(t, int32(4), enc.calls.Load())

	require.Equal(t, 1, dialer.dials())
	attempts, _ := dialer.conns[0].counts()
	assert.Zero(t, attempts, "failed encodes are never sent")
	assert.Equal(t, uint64(4), c.Metrics().EncodeErrors.Load())
}

func TestCaptureEndMidSessionEndsSession(t *testing.T) {
	cfg := testConfig()
	// A file source that runs out.
	frames := 5
	opener := capture.OpenerFunc(func(ctx context.Context) (capture.Source, error) {
		inner, _ := fastCamera().Open(ctx)
		return &limitedSource{Source: inner, left: frames}, nil
	})
	c, err := NewClient(cfg, opener, &fakeDialer{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.RunSession(context.Background()), ErrCaptureEnded)
}

type limitedSource struct {
	capture.Source
	left int
}

func (s *limitedSource) Grab() error {
	if s.left == 0 {
		return errors.New("EOF")
	}
	s.left--
	return s.Source.Grab()
}

func TestNewClientValidates(t *testing.T) {
	cfg := testConfig()
	cfg.FPS = 0
	_, err := NewClient(cfg, fastCamera(), &fakeDialer{})
	assert.Error(t, err)

	_, err = NewClient(testConfig(), nil, &fakeDialer{})
	assert.Error(t, err)
}
