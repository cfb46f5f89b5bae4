package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/frameslot"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/pkg/types"
)

var log = logger.For("Capture")

// State is the lifecycle of a Loop.
type State int32

const (
	Idle State = iota
	Opening
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Loop pulls frames from a Source on its own goroutine and keeps only the
// newest one. A Loop is single-use: once Closed it never reopens; the relay
// creates a new one per session.
type Loop struct {
	opener        Opener
	width, height int

	slot  *frameslot.Slot[types.Frame]
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	srcMu sync.Mutex
	src   Source

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLoop creates an idle loop that will open sources with opener and scale
// frames to width x height.
func NewLoop(opener Opener, width, height int) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		opener: opener,
		width:  width,
		height: height,
		slot:   frameslot.New[types.Frame](),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start spawns the capture goroutine and returns immediately.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Opening)) {
		return ErrAlreadyStarted
	}
	l.startOnce.Do(func() {
		go l.run()
	})
	return nil
}

// Stop signals the goroutine to exit and releases the source. Safe to call
// more than once, and before Start.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.releaseSource()
		// Never started: nothing will close done.
		if l.state.CompareAndSwap(int32(Idle), int32(Closed)) {
			close(l.done)
		}
	})
}

// Done is closed once the loop has reached Closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Latest returns the newest frame without consuming it.
func (l *Loop) Latest() (types.Frame, bool) {
	return l.slot.Get()
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Frames counts frames stored since Start.
func (l *Loop) Frames() uint64 {
	return l.slot.Version()
}

// Overwrites counts frames replaced before anyone read them.
func (l *Loop) Overwrites() uint64 {
	return l.slot.Overwrites()
}

func (l *Loop) setSource(src Source) bool {
	l.srcMu.Lock()
	defer l.srcMu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.src = src
	return true
}

func (l *Loop) releaseSource() {
	l.srcMu.Lock()
	src := l.src
	l.src = nil
	l.srcMu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			log.Debug("close source: %v", err)
		}
	}
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.state.Store(int32(Closed))
	defer l.releaseSource()

	src, err := l.opener.Open(l.ctx)
	if err != nil {
		log.Error("open source: %v", err)
		return
	}
	if !l.setSource(src) {
		// Stopped while opening.
		src.Close()
		return
	}

	l.state.Store(int32(Streaming))
	log.Info("streaming started (%dx%d)", l.width, l.height)

	for l.ctx.Err() == nil {
		if err := src.Grab(); err != nil {
			if l.ctx.Err() == nil {
				log.Warn("grab failed: %v", err)
			}
			return
		}
		img, err := src.Retrieve()
		if err != nil {
			if l.ctx.Err() == nil {
				log.Warn("retrieve failed: %v", err)
			}
			return
		}

		img = Resize(img, l.width, l.height)
		b := img.Bounds()
		l.slot.Put(types.Frame{
			Image:     img,
			Width:     b.Dx(),
			Height:    b.Dy(),
			Seq:       l.slot.Version() + 1,
			Timestamp: time.Now(),
		})
	}
}
