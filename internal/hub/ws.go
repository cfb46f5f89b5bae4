package hub

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const controlWait = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	// Viewers are served from other origins (players, dashboards).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsProducer wraps the relay's websocket.
type wsProducer struct {
	id   string
	conn *websocket.Conn
	once sync.Once
}

func newWSProducer(conn *websocket.Conn, remote string) *wsProducer {
	return &wsProducer{id: uuid.NewString()[:8] + "@" + remote, conn: conn}
}

func (p *wsProducer) ID() string { return p.id }

func (p *wsProducer) Close(reason string) error {
	var err error
	p.once.Do(func() {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(controlWait))
		err = p.conn.Close()
	})
	return err
}

// wsViewer writes frames as binary messages. Only one Send runs at a time
// (the session's write token); pings go through WriteControl, which gorilla
// allows concurrently.
type wsViewer struct {
	conn *websocket.Conn
}

func (v *wsViewer) Send(ctx context.Context, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		v.conn.SetWriteDeadline(dl)
	} else {
		v.conn.SetWriteDeadline(time.Time{})
	}
	return v.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (v *wsViewer) Close() error {
	return v.conn.Close()
}

// keepalive pings conn until stop is closed. The read deadline is pushed
// out on every pong; callers extend it on data messages themselves.
func keepalive(conn *websocket.Conn, interval, wait time.Duration, stop <-chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) authorized(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Key)) == 1
}

// handleRelay is the producer endpoint. A wrong key is answered with close
// code 1008 and nothing else.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("relay upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	if !s.authorized(r.URL.Query().Get("key")) {
		s.hub.metrics.ProducerRejections.Add(1)
		log.Warn("relay from %s rejected: %v", r.RemoteAddr, ErrUnauthorized)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized"),
			time.Now().Add(controlWait))
		conn.Close()
		return
	}

	p := newWSProducer(conn, r.RemoteAddr)
	s.hub.AttachProducer(p)
	defer func() {
		s.hub.DetachProducer(p)
		p.Close("")
	}()

	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	stop := make(chan struct{})
	defer close(stop)
	keepalive(conn, s.cfg.PingInterval, s.cfg.PongWait, stop)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("relay %s read: %v", p.ID(), err)
			} else {
				log.Debug("relay %s closed: %v", p.ID(), err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if mt != websocket.BinaryMessage {
			continue
		}

		res := s.hub.Publish(s.ctx, data)
		if res.Evicted > 0 {
			log.Debug("round: delivered=%d evicted=%d in %s", res.Delivered, res.Evicted, res.Duration)
		}
	}
}

// handleViewer is the websocket viewer endpoint. Anything the viewer sends
// is discarded; reading only detects the disconnect.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("viewer upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.ViewerReadLimit)
	stop := make(chan struct{})
	defer close(stop)
	keepalive(conn, s.cfg.PingInterval, s.cfg.PongWait, stop)

	sess, err := s.hub.Join(s.ctx, &wsViewer{conn: conn}, "ws", r.RemoteAddr)
	if err != nil {
		log.Info("viewer %s dropped on join: %v", sess.ID, err)
		return
	}
	defer s.hub.Leave(sess)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	}
}
