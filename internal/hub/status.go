package hub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

// StatusBroadcaster manages fanout of hub status events to SSE clients.
type StatusBroadcaster struct {
	hub      *Hub
	interval time.Duration

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	stop    chan struct{}
	stopped bool
}

// NewStatusBroadcaster creates a broadcaster sampling h every interval.
func NewStatusBroadcaster(h *Hub, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		hub:      h,
		interval: interval,
		clients:  make(map[int]chan *SerializedEvent),
		stop:     make(chan struct{}),
	}
}

// Subscribe adds a new client and returns a channel for receiving status events.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	sb.clients[id] = ch

	log.Debug("Status client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		log.Debug("Status client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and disconnects every client.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.stopped {
		return
	}
	close(sb.stop)
	sb.stopped = true
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
}

func (sb *StatusBroadcaster) run() {
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			// Check client count before generating status
			sb.mu.Lock()
			clientCount := len(sb.clients)
			sb.mu.Unlock()

			if clientCount == 0 {
				continue
			}

			if event := sb.Event(); event != nil {
				sb.broadcast(event)
			}
		}
	}
}

// Event serializes the current hub status.
func (sb *StatusBroadcaster) Event() *SerializedEvent {
	event, err := serializeStatus(sb.hub.Stats())
	if err != nil {
		log.Error("status serialization: %v", err)
		return nil
	}
	return event
}

func serializeStatus(st Stats) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}

	pb, err := toStruct(st)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(pb)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// toStruct converts a JSON-tagged value into a protobuf Struct with the same
// field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	write := func(event *SerializedEvent) error {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	// Current state first so clients do not wait a full interval.
	if event := s.status.Event(); event != nil {
		if err := write(event); err != nil {
			log.Debug("SSE client disconnected: %v", err)
			return
		}
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := write(event); err != nil {
				log.Debug("SSE client disconnected during status write: %v", err)
				return
			}
		case <-keepalive.C:
			// Send keepalive comment to prevent timeout
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
