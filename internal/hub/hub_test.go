package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeViewer struct {
	firstDelay time.Duration // applies to the first Send only
	delay      time.Duration
	ignoreCtx  bool // keep writing past the deadline
	fail       error

	mu      sync.Mutex
	started bool
	got     [][]byte
	closed  bool
}

func (v *fakeViewer) Send(ctx context.Context, payload []byte) error {
	if v.fail != nil {
		return v.fail
	}
	v.mu.Lock()
	first := !v.started
	v.started = true
	v.mu.Unlock()
	if first && v.firstDelay > 0 {
		t := time.NewTimer(v.firstDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if v.delay > 0 {
		if v.ignoreCtx {
			time.Sleep(v.delay)
		} else {
			t := time.NewTimer(v.delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	v.mu.Lock()
	v.got = append(v.got, payload)
	v.mu.Unlock()
	return nil
}

func (v *fakeViewer) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

func (v *fakeViewer) frames() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][]byte(nil), v.got...)
}

func (v *fakeViewer) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

type fakeProducer struct {
	id     string
	mu     sync.Mutex
	closed string
}

func (p *fakeProducer) ID() string { return p.id }

func (p *fakeProducer) Close(reason string) error {
	p.mu.Lock()
	p.closed = reason
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) closeReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestHub() *Hub {
	return New(DefaultConfig())
}

func join(t *testing.T, h *Hub, v Viewer) *ViewerSession {
	t.Helper()
	s, err := h.Join(context.Background(), v, "test", "127.0.0.1")
	require.NoError(t, err)
	return s
}

func TestViewerGetsNothingBeforeFirstFrame(t *testing.T) {
	h := newTestHub()
	v := &fakeViewer{}
	join(t, h, v)

	assert.Empty(t, v.frames())
	assert.Nil(t, h.Latest())

	res := h.Publish(context.Background(), []byte("f1"))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, [][]byte{[]byte("f1")}, v.frames())
}

func TestLateJoinerGetsCachedFrameFirst(t *testing.T) {
	h := newTestHub()
	h.Publish(context.Background(), []byte("f1"))
	h.Publish(context.Background(), []byte("f2"))

	v := &fakeViewer{}
	join(t, h, v)
	h.Publish(context.Background(), []byte("f3"))

	assert.Equal(t, [][]byte{[]byte("f2"), []byte("f3")}, v.frames())
}

func TestSlowViewerIsEvictedWithoutDelayingOthers(t *testing.T) {
	h := newTestHub()
	fast := &fakeViewer{}
	slow := &fakeViewer{delay: time.Second}
	join(t, h, fast)
	join(t, h, slow)

	res := h.Publish(context.Background(), []byte("f1"))

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Evicted)
	assert.Less(t, res.Duration, 500*time.Millisecond, "round is bounded by the viewer timeout")
	assert.Len(t, fast.frames(), 1)
	assert.Empty(t, slow.frames())
	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
	assert.Equal(t, 1, h.ViewerCount())
	assert.Equal(t, uint64(1), h.Metrics().ViewerEvictions.Load())

	// The survivor keeps receiving.
	h.Publish(context.Background(), []byte("f2"))
	assert.Len(t, fast.frames(), 2)
}

func TestViewerIgnoringDeadlineCannotStallRound(t *testing.T) {
	h := newTestHub()
	stuck := &fakeViewer{delay: 600 * time.Millisecond, ignoreCtx: true}
	join(t, h, stuck)

	start := time.Now()
	res := h.Publish(context.Background(), []byte("f1"))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, 1, res.Evicted)
	assert.Zero(t, h.ViewerCount())
}

func TestFailedSendEvicts(t *testing.T) {
	h := newTestHub()
	broken := &fakeViewer{fail: errors.New("broken pipe")}
	join(t, h, broken)

	res := h.Publish(context.Background(), []byte("f1"))
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 1, res.Evicted)
	assert.True(t, broken.isClosed())
}

func TestFailedSnapshotEvicts(t *testing.T) {
	h := newTestHub()
	h.Publish(context.Background(), []byte("f1"))

	s, err := h.Join(context.Background(), &fakeViewer{fail: errors.New("reset")}, "test", "x")
	require.Error(t, err)
	assert.Zero(t, h.ViewerCount())
	select {
	case <-s.Closed():
	default:
		t.Fatal("session not closed")
	}
}

// A join snapshot may take up to SnapshotTimeout; a round that overlaps it
// skips the joiner rather than evicting it after ViewerSendTimeout.
func TestSlowSnapshotIsNotEvictedByConcurrentRound(t *testing.T) {
	h := newTestHub()
	h.Publish(context.Background(), []byte("f1"))

	v := &fakeViewer{firstDelay: 400 * time.Millisecond}
	joined := make(chan error, 1)
	go func() {
		_, err := h.Join(context.Background(), v, "test", "x")
		joined <- err
	}()
	require.Eventually(t, func() bool { return h.ViewerCount() == 1 }, time.Second, time.Millisecond)

	res := h.Publish(context.Background(), []byte("f2"))
	assert.Zero(t, res.Evicted)
	assert.Zero(t, res.Delivered)
	assert.Less(t, res.Duration, 350*time.Millisecond, "round still bounded by the viewer timeout")

	require.NoError(t, <-joined)
	assert.Equal(t, 1, h.ViewerCount())
	assert.False(t, v.isClosed())
	assert.Zero(t, h.Metrics().ViewerEvictions.Load())

	res = h.Publish(context.Background(), []byte("f3"))
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, [][]byte{[]byte("f1"), []byte("f3")}, v.frames())
}

func TestLeaveIsIdempotentAndStopsDelivery(t *testing.T) {
	h := newTestHub()
	v := &fakeViewer{}
	s := join(t, h, v)

	h.Leave(s)
	h.Leave(s)
	assert.Zero(t, h.ViewerCount())

	res := h.Publish(context.Background(), []byte("f1"))
	assert.Zero(t, res.Delivered)
	assert.Empty(t, v.frames())
	assert.False(t, v.isClosed(), "leave does not close the transport; the handler owns it")
}

func TestNewestProducerWins(t *testing.T) {
	h := newTestHub()
	a := &fakeProducer{id: "a"}
	b := &fakeProducer{id: "b"}

	h.AttachProducer(a)
	assert.True(t, h.ProducerConnected())

	h.AttachProducer(b)
	assert.Equal(t, "replaced", a.closeReason())
	assert.Empty(t, b.closeReason())
	assert.True(t, h.Health().RelayConnected)

	// A's handler unwinding must not clear B.
	assert.False(t, h.DetachProducer(a))
	assert.True(t, h.ProducerConnected())

	assert.True(t, h.DetachProducer(b))
	assert.False(t, h.ProducerConnected())
	assert.Equal(t, uint64(1), h.Metrics().ProducerReplacements.Load())
}

func TestCacheSurvivesProducerDisconnect(t *testing.T) {
	h := newTestHub()
	p := &fakeProducer{id: "p"}
	h.AttachProducer(p)
	h.Publish(context.Background(), []byte("last"))
	h.DetachProducer(p)

	v := &fakeViewer{}
	join(t, h, v)
	assert.Equal(t, [][]byte{[]byte("last")}, v.frames())
	assert.False(t, h.Health().RelayConnected)
}

func TestHealth(t *testing.T) {
	h := newTestHub()
	join(t, h, &fakeViewer{})
	join(t, h, &fakeViewer{})
	h.AttachProducer(&fakeProducer{id: "p"})

	health := h.Health()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Viewers)
	assert.True(t, health.RelayConnected)
}

// Frames published while viewers join must arrive in order with no
// duplicates: the snapshot never overtakes or repeats a broadcast.
func TestJoinDuringBroadcastKeepsOrder(t *testing.T) {
	h := newTestHub()
	const n = 200

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= n; i++ {
			h.Publish(context.Background(), []byte{byte(i)})
		}
	}()

	var viewers []*fakeViewer
	for i := 0; i < 10; i++ {
		v := &fakeViewer{}
		viewers = append(viewers, v)
		join(t, h, v)
		time.Sleep(time.Millisecond)
	}
	<-done

	for _, v := range viewers {
		prev := -1
		for _, f := range v.frames() {
			require.Greater(t, int(f[0]), prev)
			prev = int(f[0])
		}
	}
}

func TestStatsListsViewers(t *testing.T) {
	h := newTestHub()
	s := join(t, h, &fakeViewer{})
	h.Publish(context.Background(), []byte("abcd"))

	st := h.Stats()
	assert.Equal(t, 1, st.Viewers)
	assert.Equal(t, uint64(1), st.FramesReceived)
	assert.Equal(t, uint64(4), st.BytesReceived)
	assert.Equal(t, 4, st.LastFrameBytes)
	require.Len(t, st.ViewerList, 1)
	assert.Equal(t, s.ID, st.ViewerList[0].ID)
	assert.Equal(t, uint64(1), st.ViewerList[0].Sent)
	assert.Equal(t, 1, st.LastRound.Delivered)
}

func TestCloseDropsEveryone(t *testing.T) {
	h := newTestHub()
	v := &fakeViewer{}
	join(t, h, v)
	p := &fakeProducer{id: "p"}
	h.AttachProducer(p)
	h.Publish(context.Background(), []byte("f"))

	h.Close()
	assert.True(t, v.isClosed())
	assert.NotEmpty(t, p.closeReason())
	assert.Zero(t, h.ViewerCount())
	assert.NotNil(t, h.Latest())
}
