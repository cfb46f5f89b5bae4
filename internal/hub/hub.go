// Package hub accepts frames from a single relay and fans them out to any
// number of viewers, evicting viewers that cannot keep up.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/pkg/types"
)

var log = logger.For("Hub")

// ErrUnauthorized is returned for producers presenting the wrong key.
var ErrUnauthorized = errors.New("hub: unauthorized producer")

// Producer is the connection currently publishing frames.
type Producer interface {
	ID() string
	// Close ends the connection; its receive loop then returns.
	Close(reason string) error
}

// RoundResult reports one fan-out round.
type RoundResult struct {
	Delivered int
	Evicted   int
	Duration  time.Duration
}

// Hub holds the relay slot, the latest frame and the viewer registry. The
// mutex is never held across network I/O.
type Hub struct {
	cfg     Config
	metrics *metrics.Hub
	started time.Time

	mu        sync.Mutex
	producer  Producer
	latest    []byte
	latestAt  time.Time
	viewers   map[*ViewerSession]struct{}
	lastRound RoundResult
}

// New creates an empty hub.
func New(cfg Config) *Hub {
	h := &Hub{
		cfg:     cfg.withDefaults(),
		started: time.Now(),
		viewers: make(map[*ViewerSession]struct{}),
	}
	h.metrics = metrics.NewHub(h.ViewerCount, h.ProducerConnected)
	return h
}

// Metrics returns the hub counters.
func (h *Hub) Metrics() *metrics.Hub {
	return h.metrics
}

// AttachProducer makes p the active producer. A previous producer is closed;
// the newest authenticated connection always wins.
func (h *Hub) AttachProducer(p Producer) {
	h.mu.Lock()
	prev := h.producer
	h.producer = p
	h.mu.Unlock()

	h.metrics.ProducerConnects.Add(1)
	if prev != nil && prev != p {
		h.metrics.ProducerReplacements.Add(1)
		log.Warn("relay %s replaced by %s", prev.ID(), p.ID())
		if err := prev.Close("replaced"); err != nil {
			log.Debug("close replaced relay %s: %v", prev.ID(), err)
		}
		return
	}
	log.Info("relay %s connected", p.ID())
}

// DetachProducer clears the slot if p still holds it. A replaced producer
// detaching late leaves its successor in place.
func (h *Hub) DetachProducer(p Producer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.producer != p {
		return false
	}
	h.producer = nil
	log.Info("relay %s disconnected", p.ID())
	return true
}

// ProducerConnected reports whether a relay currently holds the slot.
func (h *Hub) ProducerConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.producer != nil
}

// ViewerCount returns the number of registered viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Latest returns the cached frame, nil before the first publish.
func (h *Hub) Latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Publish caches payload and delivers it to every registered viewer. Each
// viewer gets ViewerSendTimeout; the round ends once all sends have
// settled, and viewers that failed or ran late are removed and closed.
// payload must not be modified afterwards.
func (h *Hub) Publish(ctx context.Context, payload []byte) RoundResult {
	start := time.Now()

	h.mu.Lock()
	h.latest = payload
	h.latestAt = start
	targets := make([]*ViewerSession, 0, len(h.viewers))
	for s := range h.viewers {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	h.metrics.FramesReceived.Add(1)
	h.metrics.BytesReceived.Add(uint64(len(payload)))

	var res RoundResult
	if len(targets) > 0 {
		res = h.fanout(ctx, targets, payload)
	}
	res.Duration = time.Since(start)

	h.metrics.FanoutLatencyMs.Store(uint64(res.Duration.Milliseconds()))
	h.mu.Lock()
	h.lastRound = res
	h.mu.Unlock()
	return res
}

func (h *Hub) fanout(ctx context.Context, targets []*ViewerSession, payload []byte) RoundResult {
	rctx, cancel := context.WithTimeout(ctx, h.cfg.ViewerSendTimeout)
	defer cancel()

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, s := range targets {
		wg.Add(1)
		go func(i int, s *ViewerSession) {
			defer wg.Done()
			errs[i] = s.deliver(rctx, payload)
		}(i, s)
	}
	wg.Wait()

	var res RoundResult
	for i, s := range targets {
		if errs[i] == nil {
			res.Delivered++
			continue
		}
		if errors.Is(errs[i], errSessionClosed) {
			// Left during the round.
			continue
		}
		if errors.Is(errs[i], errSnapshotPending) {
			log.Debug("viewer %s skipped: join snapshot still sending", s.ID)
			continue
		}
		if h.evict(s) {
			res.Evicted++
			log.Info("viewer %s evicted: %v", s.ID, errs[i])
		}
	}
	h.metrics.ViewerSends.Add(uint64(res.Delivered))
	return res
}

// Join registers v. When a frame is cached it is sent first, before any
// broadcast can reach the viewer; rounds that cannot wait for it skip the
// viewer. The snapshot gets SnapshotTimeout. A failed snapshot send evicts
// the session and returns the error.
func (h *Hub) Join(ctx context.Context, v Viewer, kind, remote string) (*ViewerSession, error) {
	s := newViewerSession(v, kind, remote)
	s.sem <- struct{}{}
	s.joining.Store(true)

	h.mu.Lock()
	h.viewers[s] = struct{}{}
	snapshot := h.latest
	count := len(h.viewers)
	h.mu.Unlock()

	h.metrics.ViewersJoined.Add(1)
	log.Info("%s viewer %s joined from %s (%d active)", kind, s.ID, remote, count)

	if snapshot != nil {
		sctx, cancel := context.WithTimeout(ctx, h.cfg.SnapshotTimeout)
		err := v.Send(sctx, snapshot)
		cancel()
		if err != nil {
			<-s.sem
			s.joining.Store(false)
			h.evict(s)
			return s, errors.Wrap(err, "send cached frame")
		}
		s.sent.Add(1)
	}

	<-s.sem
	s.joining.Store(false)
	return s, nil
}

// Leave deregisters s. Safe to call more than once and after eviction.
func (h *Hub) Leave(s *ViewerSession) {
	h.mu.Lock()
	_, ok := h.viewers[s]
	delete(h.viewers, s)
	count := len(h.viewers)
	h.mu.Unlock()

	s.markClosed()
	if ok {
		log.Info("viewer %s left (%d active)", s.ID, count)
	}
}

// evict removes s and closes its transport. It reports false when s had
// already left.
func (h *Hub) evict(s *ViewerSession) bool {
	h.mu.Lock()
	_, ok := h.viewers[s]
	delete(h.viewers, s)
	h.mu.Unlock()

	s.markClosed()
	if !ok {
		return false
	}
	h.metrics.ViewerEvictions.Add(1)
	if err := s.viewer.Close(); err != nil {
		log.Debug("close viewer %s: %v", s.ID, err)
	}
	return true
}

// Health is the /health payload.
func (h *Hub) Health() types.Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return types.Health{
		Status:         "ok",
		Viewers:        len(h.viewers),
		RelayConnected: h.producer != nil,
	}
}

// Stats returns a detailed snapshot for /api/status.
func (h *Hub) Stats() Stats {
	now := time.Now()

	h.mu.Lock()
	st := Stats{
		Viewers:        len(h.viewers),
		RelayConnected: h.producer != nil,
		LastFrameBytes: len(h.latest),
		LastRound: RoundStats{
			Delivered:  h.lastRound.Delivered,
			Evicted:    h.lastRound.Evicted,
			DurationMs: float64(h.lastRound.Duration.Microseconds()) / 1000,
		},
	}
	if h.producer != nil {
		st.RelayID = h.producer.ID()
	}
	if !h.latestAt.IsZero() {
		st.LastFrameAgeMs = float64(now.Sub(h.latestAt).Microseconds()) / 1000
	}
	st.ViewerList = make([]ViewerStats, 0, len(h.viewers))
	for s := range h.viewers {
		st.ViewerList = append(st.ViewerList, ViewerStats{
			ID:       s.ID,
			Kind:     s.Kind,
			Remote:   s.Remote,
			Sent:     s.Sent(),
			Duration: now.Sub(s.JoinedAt).Seconds(),
		})
	}
	h.mu.Unlock()

	st.UptimeSeconds = now.Sub(h.started).Seconds()
	st.FramesReceived = h.metrics.FramesReceived.Load()
	st.BytesReceived = h.metrics.BytesReceived.Load()
	st.Evictions = h.metrics.ViewerEvictions.Load()
	st.ProducerReplacements = h.metrics.ProducerReplacements.Load()
	st.ProducerRejections = h.metrics.ProducerRejections.Load()
	st.Timestamp = float64(now.Unix())
	return st
}

// Close drops the producer and every viewer. The latest frame stays cached.
func (h *Hub) Close() {
	h.mu.Lock()
	p := h.producer
	h.producer = nil
	sessions := make([]*ViewerSession, 0, len(h.viewers))
	for s := range h.viewers {
		sessions = append(sessions, s)
	}
	h.viewers = make(map[*ViewerSession]struct{})
	h.mu.Unlock()

	if p != nil {
		p.Close("server shutting down")
	}
	for _, s := range sessions {
		s.markClosed()
		s.viewer.Close()
	}
}
