package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry wraps a private Prometheus registry shared by both metric sets.
type registry struct {
	reg *prometheus.Registry
}

func newRegistry() registry {
	return registry{reg: prometheus.NewRegistry()}
}

// counter registers an atomic value as a gauge read at scrape time
func (r registry) counter(name, help string, v *atomic.Uint64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (r registry) gauge(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// Handler returns the Prometheus HTTP handler
func (r registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Relay holds producer-side counters
type Relay struct {
	registry

	// Frame pipeline
	FramesSent     atomic.Uint64
	FramesDropped  atomic.Uint64 // Send exceeded its deadline
	EncodeErrors   atomic.Uint64
	BytesSent      atomic.Uint64
	LastFrameBytes atomic.Uint64

	// Session lifecycle
	Sessions   atomic.Uint64 // Connections that reached the send loop
	Reconnects atomic.Uint64

	// Capture side, refreshed by the client each cycle
	CaptureFrames     atomic.Uint64
	CaptureOverwrites atomic.Uint64
}

// NewRelay creates relay metrics with Prometheus collectors
func NewRelay() *Relay {
	m := &Relay{registry: newRegistry()}

	m.counter("cctv_relay_frames_sent_total", "Frames delivered to the hub", &m.FramesSent)
	m.counter("cctv_relay_frames_dropped_total", "Frames abandoned after the send deadline", &m.FramesDropped)
	m.counter("cctv_relay_encode_errors_total", "Frames skipped because encoding failed", &m.EncodeErrors)
	m.counter("cctv_relay_bytes_sent_total", "Encoded bytes delivered to the hub", &m.BytesSent)
	m.counter("cctv_relay_last_frame_bytes", "Size of the most recent encoded frame", &m.LastFrameBytes)
	m.counter("cctv_relay_sessions_total", "Hub sessions that started streaming", &m.Sessions)
	m.counter("cctv_relay_reconnects_total", "Reconnect attempts after a session ended", &m.Reconnects)
	m.counter("cctv_relay_capture_frames_total", "Frames decoded by the capture loop (current session)", &m.CaptureFrames)
	m.counter("cctv_relay_capture_overwrites_total", "Captured frames replaced before the sender read them (current session)", &m.CaptureOverwrites)

	return m
}

// RecordSent updates counters for a delivered frame
func (m *Relay) RecordSent(size int) {
	m.FramesSent.Add(1)
	m.BytesSent.Add(uint64(size))
	m.LastFrameBytes.Store(uint64(size))
}

// RecordDropped updates counters for a frame abandoned at the deadline
func (m *Relay) RecordDropped(size int) {
	m.FramesDropped.Add(1)
	m.LastFrameBytes.Store(uint64(size))
}

// Hub holds server-side counters
type Hub struct {
	registry

	FramesReceived atomic.Uint64
	BytesReceived  atomic.Uint64

	ViewerSends     atomic.Uint64 // Successful per-viewer deliveries
	ViewerEvictions atomic.Uint64 // Viewers removed after a failed or late send
	ViewersJoined   atomic.Uint64

	ProducerConnects     atomic.Uint64
	ProducerReplacements atomic.Uint64
	ProducerRejections   atomic.Uint64

	FanoutLatencyMs atomic.Uint64 // Duration of the last fan-out round
}

// NewHub creates hub metrics. viewers and relayConnected are sampled at
// scrape time.
func NewHub(viewers func() int, relayConnected func() bool) *Hub {
	m := &Hub{registry: newRegistry()}

	m.counter("cctv_hub_frames_received_total", "Frames received from the relay", &m.FramesReceived)
	m.counter("cctv_hub_bytes_received_total", "Bytes received from the relay", &m.BytesReceived)
	m.counter("cctv_hub_viewer_sends_total", "Frames delivered to viewers", &m.ViewerSends)
	m.counter("cctv_hub_viewer_evictions_total", "Viewers removed after a failed or timed out send", &m.ViewerEvictions)
	m.counter("cctv_hub_viewers_joined_total", "Viewer connections accepted", &m.ViewersJoined)
	m.counter("cctv_hub_producer_connects_total", "Authenticated relay connections", &m.ProducerConnects)
	m.counter("cctv_hub_producer_replacements_total", "Relay connections closed because a newer one arrived", &m.ProducerReplacements)
	m.counter("cctv_hub_producer_rejections_total", "Relay connections rejected for a bad key", &m.ProducerRejections)
	m.counter("cctv_hub_fanout_latency_ms", "Duration of the last fan-out round in milliseconds", &m.FanoutLatencyMs)

	if viewers != nil {
		m.gauge("cctv_hub_active_viewers", "Currently registered viewers", func() float64 {
			return float64(viewers())
		})
	}
	if relayConnected != nil {
		m.gauge("cctv_hub_relay_connected", "Relay connected (0=no, 1=yes)", func() float64 {
			if relayConnected() {
				return 1
			}
			return 0
		})
	}

	return m
}
