package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/logger"
)

// Server exposes a Hub over HTTP and websocket.
type Server struct {
	cfg    Config
	hub    *Hub
	status *StatusBroadcaster

	// ctx outlives individual requests; hijacked websocket connections are
	// not tracked by http.Server.Shutdown, so Close cancels it instead.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns a server around a fresh hub.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	h := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		hub:    h,
		status: NewStatusBroadcaster(h, cfg.StatusInterval),
		ctx:    ctx,
		cancel: cancel,
	}
	s.status.Start()
	return s
}

// Hub returns the underlying hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects the relay, every viewer and every status stream.
func (s *Server) Close() {
	s.cancel()
	s.status.Stop()
	s.hub.Close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/relay", s.handleRelay)
	r.Get("/ws/stream", s.handleViewer)
	r.Get("/stream.mjpeg", s.handleMJPEG)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/status/stream", s.handleStatusStream)
	r.Handle("/metrics", s.hub.Metrics().Handler())

	assets := newAssetHandler(s.cfg.PublicDir)
	r.Get("/", assets.ServeHTTP)
	r.Get("/*", assets.ServeHTTP)

	return r
}

// requestLogger logs plain HTTP requests at debug level. Long-lived streams
// are logged by their handlers.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !logger.Enabled(logger.DEBUG) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("HTTP", "%s %s status=%d size=%d duration=%s",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.hub.Health()
	if wantsProtobuf(r) {
		pb, err := toStruct(health)
		if err == nil {
			var data []byte
			if data, err = proto.Marshal(pb); err == nil {
				w.Header().Set("Content-Type", "application/protobuf")
				_, _ = w.Write(data)
				return
			}
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.Stats())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
