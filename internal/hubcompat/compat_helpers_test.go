package hubcompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/hub"
)

const defaultRequestTimeout = 2 * time.Second

// compatClient talks to a hub over its public surface only. HUB_BASE_URL
// points it at a running hub; otherwise an in-process hub is started.
type compatClient struct {
	baseURL string
	key     string
	client  *http.Client
	local   *hub.Server
}

func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	client := &http.Client{Timeout: defaultRequestTimeout}
	key := os.Getenv("HUB_RELAY_KEY")
	if key == "" {
		key = hub.DefaultKey
	}

	if baseURL := os.Getenv("HUB_BASE_URL"); baseURL != "" {
		if !isReachable(client, baseURL+"/health") {
			t.Skipf("hub not reachable at %s", baseURL)
		}
		return &compatClient{baseURL: strings.TrimRight(baseURL, "/"), key: key, client: client}
	}

	cfg := hub.DefaultConfig()
	cfg.Key = key
	s := hub.NewServer(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.Close)
	return &compatClient{baseURL: srv.URL, key: key, client: client, local: s}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *compatClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	// Streaming responses must not be cut by the client timeout.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *compatClient) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(c.baseURL, "http") + path
}

func (c *compatClient) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL(path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (c *compatClient) dialRelay(t *testing.T, key string) *websocket.Conn {
	t.Helper()
	return c.dial(t, "/ws/relay?key="+key)
}

// waitHealth polls /health until cond holds.
func (c *compatClient) waitHealth(t *testing.T, cond func(map[string]any) bool) {
	t.Helper()
	c.waitJSON(t, "/health", cond)
}

func (c *compatClient) waitJSON(t *testing.T, path string, cond func(map[string]any) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := c.get(t, path)
		if resp.StatusCode == http.StatusOK && cond(decodeJSONMap(t, body)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s condition not met", path)
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	return data
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertHealthPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	if status := requireString(t, payload["status"], "status"); status != "ok" {
		t.Fatalf("status = %q", status)
	}
	requireNumber(t, payload["viewers"], "viewers")
	requireBool(t, payload["relay_connected"], "relay_connected")
	if len(payload) != 3 {
		t.Fatalf("health has unexpected fields: %v", payload)
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["viewers"], "viewers")
	requireBool(t, payload["relay_connected"], "relay_connected")
	requireNumber(t, payload["uptime_seconds"], "uptime_seconds")
	requireNumber(t, payload["frames_received"], "frames_received")
	requireNumber(t, payload["bytes_received"], "bytes_received")
	requireNumber(t, payload["last_frame_bytes"], "last_frame_bytes")
	requireNumber(t, payload["evictions"], "evictions")
	requireNumber(t, payload["timestamp"], "timestamp")

	round := requireMap(t, payload["last_round"], "last_round")
	requireNumber(t, round["delivered"], "last_round.delivered")
	requireNumber(t, round["evicted"], "last_round.evicted")
	requireNumber(t, round["duration_ms"], "last_round.duration_ms")

	viewers := requireSlice(t, payload["viewer_list"], "viewer_list")
	for i, raw := range viewers {
		v := requireMap(t, raw, fmt.Sprintf("viewer_list[%d]", i))
		requireString(t, v["id"], "viewer_list.id")
		requireString(t, v["kind"], "viewer_list.kind")
		requireNumber(t, v["sent"], "viewer_list.sent")
	}
}
