package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const mjpegBoundary = "frame"

// mjpegViewer streams frames as multipart/x-mixed-replace parts. It shares
// the registry and deadlines with websocket viewers.
type mjpegViewer struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	done chan struct{}
	once sync.Once
}

func newMJPEGViewer(w http.ResponseWriter) *mjpegViewer {
	return &mjpegViewer{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

func (v *mjpegViewer) Send(ctx context.Context, payload []byte) error {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Time{}
	}
	if err := v.rc.SetWriteDeadline(dl); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	// Write frame with error checking - if client disconnected, exit immediately
	if _, err := fmt.Fprintf(v.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(payload)); err != nil {
		return err
	}
	if _, err := v.w.Write(payload); err != nil {
		return err
	}
	if _, err := v.w.Write([]byte("\r\n")); err != nil {
		return err
	}
	return v.rc.Flush()
}

// Close makes the handler return; the response writer itself belongs to
// net/http.
func (v *mjpegViewer) Close() error {
	v.once.Do(func() { close(v.done) })
	return nil
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	v := newMJPEGViewer(w)
	if err := v.rc.Flush(); err != nil {
		log.Warn("mjpeg streaming unsupported for %s: %v", r.RemoteAddr, err)
		return
	}

	sess, err := s.hub.Join(r.Context(), v, "mjpeg", r.RemoteAddr)
	if err != nil {
		log.Debug("mjpeg viewer %s dropped on join: %v", sess.ID, err)
		sess.Wait()
		return
	}

	select {
	case <-r.Context().Done():
	case <-v.done:
	case <-s.ctx.Done():
	}
	s.hub.Leave(sess)
	// No write may touch w after the handler returns.
	sess.Wait()
}
