package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	errSessionClosed   = errors.New("hub: viewer session closed")
	errSnapshotPending = errors.New("hub: join snapshot still in flight")
)

// Viewer is the write side of one viewer connection. Send must honour the
// context deadline. Close aborts the connection so its handler returns.
type Viewer interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// ViewerSession is one registered viewer.
//
// sem is a single-slot write token: the holder is the only goroutine
// writing to the viewer. Join takes it before registering, so the cached
// frame always reaches a new viewer ahead of any broadcast. joining stays set
// until that snapshot settles; rounds that time out waiting on it skip the
// viewer instead of evicting it.
type ViewerSession struct {
	ID       string
	Kind     string // "ws" or "mjpeg"
	Remote   string
	JoinedAt time.Time

	viewer  Viewer
	sem     chan struct{}
	closed  chan struct{}
	once    sync.Once
	joining atomic.Bool

	sent atomic.Uint64
}

func newViewerSession(v Viewer, kind, remote string) *ViewerSession {
	return &ViewerSession{
		ID:       uuid.NewString()[:8],
		Kind:     kind,
		Remote:   remote,
		JoinedAt: time.Now(),
		viewer:   v,
		sem:      make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Sent counts frames delivered to this viewer.
func (s *ViewerSession) Sent() uint64 {
	return s.sent.Load()
}

// Closed is closed once the session has left the registry.
func (s *ViewerSession) Closed() <-chan struct{} {
	return s.closed
}

// deliver writes payload within ctx. The write itself runs on its own
// goroutine so a viewer that ignores its deadline still cannot hold the
// round past ctx; it keeps the write token until it does return.
func (s *ViewerSession) deliver(ctx context.Context, payload []byte) error {
	select {
	case s.sem <- struct{}{}:
	case <-s.closed:
		return errSessionClosed
	case <-ctx.Done():
		if s.joining.Load() {
			return errSnapshotPending
		}
		return errors.Wrap(ctx.Err(), "previous write still in flight")
	}
	select {
	case <-s.closed:
		<-s.sem
		return errSessionClosed
	default:
	}

	result := make(chan error, 1)
	go func() {
		defer func() { <-s.sem }()
		result <- s.viewer.Send(ctx, payload)
	}()

	select {
	case err := <-result:
		if err == nil {
			s.sent.Add(1)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ViewerSession) markClosed() bool {
	first := false
	s.once.Do(func() {
		close(s.closed)
		first = true
	})
	return first
}

// Wait blocks until no write is in flight and none can start. Handlers that
// own the underlying writer (MJPEG) call it after Leave before returning.
func (s *ViewerSession) Wait() {
	s.sem <- struct{}{}
}
