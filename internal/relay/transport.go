package relay

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var (
	// ErrSendTimeout means the frame was not on the wire before its deadline.
	// The frame is abandoned, the connection stays usable.
	ErrSendTimeout = errors.New("relay: send timed out")
	// ErrConnClosed means the hub connection is gone.
	ErrConnClosed = errors.New("relay: connection closed")
)

// Conn is an authenticated connection to the hub.
type Conn interface {
	// Send transmits one frame as a single binary message. It returns
	// ErrSendTimeout when ctx expires first and ErrConnClosed once the
	// connection has failed.
	Send(ctx context.Context, payload []byte) error
	// Done is closed when the connection is no longer usable.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens producer connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint, key string) (Conn, error)
}

// WSDialer dials the hub over websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration // upper bound for a single write on the socket
	ReadLimit        int64
}

// NewWSDialer returns a dialer with the stock keepalive settings.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     10 * time.Second,
		PongWait:         15 * time.Second,
		WriteWait:        10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// EndpointWithKey appends the shared secret as the key query parameter.
func EndpointWithKey(endpoint, key string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server URL %q", endpoint)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context, endpoint, key string) (Conn, error) {
	target, err := EndpointWithKey(endpoint, key)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: %s", endpoint, resp.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	c := newWSConn(ws, d.PingInterval, d.PongWait, d.WriteWait)
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

type writeRequest struct {
	payload []byte
	result  chan error
}

// wsConn serializes writes through one goroutine. A write deadline on a
// gorilla connection is fatal to the connection, so per-frame deadlines are
// enforced by abandoning the wait rather than the write.
type wsConn struct {
	ws *websocket.Conn

	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	reqs chan writeRequest
	done chan struct{}

	once sync.Once
}

func newWSConn(ws *websocket.Conn, pingInterval, pongWait, writeWait time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		pingInterval: pingInterval,
		pongWait:     pongWait,
		writeWait:    writeWait,
		reqs:         make(chan writeRequest),
		done:         make(chan struct{}),
	}
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	req := writeRequest{payload: payload, result: make(chan error, 1)}

	select {
	case c.reqs <- req:
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return sendCtxErr(ctx)
	}

	select {
	case err := <-req.result:
		if err != nil {
			return errors.Wrap(ErrConnClosed, err.Error())
		}
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return sendCtxErr(ctx)
	}
}

func sendCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrSendTimeout
	}
	return ctx.Err()
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Close() error {
	// WriteControl may run concurrently with the write pump.
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.once.Do(func() {
		if err != nil {
			log.Debug("hub connection lost: %v", err)
		}
		close(c.done)
		c.ws.Close()
	})
}

func (c *wsConn) writePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case req := <-c.reqs:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			err := c.ws.WriteMessage(websocket.BinaryMessage, req.payload)
			req.result <- err
			if err != nil {
				c.shutdown(err)
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump only services control frames; the hub sends no data messages.
func (c *wsConn) readPump() {
	extend := func() {
		if c.pongWait > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		extend()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.shutdown(err)
			return
		}
		extend()
	}
}
