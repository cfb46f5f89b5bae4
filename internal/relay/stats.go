package relay

import (
	"fmt"
	"time"
)

// WindowStats summarizes one reporting window.
type WindowStats struct {
	Sent         int
	Dropped      int
	EncodeErrors int
	LastSize     int // bytes of the most recent encoded frame
	Elapsed      time.Duration
}

func (s WindowStats) String() string {
	return fmt.Sprintf("sent=%d skip=%d size=%dKB", s.Sent, s.Dropped, s.LastSize/1024)
}

// FPS is the delivered rate over the window.
func (s WindowStats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Sent) / s.Elapsed.Seconds()
}

// Window accumulates counters and hands them out once per length. It is
// owned by the send loop and not safe for concurrent use.
type Window struct {
	length time.Duration
	start  time.Time
	cur    WindowStats
}

// NewWindow starts a window at now.
func NewWindow(length time.Duration, now time.Time) *Window {
	return &Window{length: length, start: now}
}

func (w *Window) Sent(size int) {
	w.cur.Sent++
	w.cur.LastSize = size
}

func (w *Window) Dropped(size int) {
	w.cur.Dropped++
	w.cur.LastSize = size
}

func (w *Window) EncodeError() {
	w.cur.EncodeErrors++
}

// Roll returns the finished window and resets the counters once length has
// passed since the window started.
func (w *Window) Roll(now time.Time) (WindowStats, bool) {
	elapsed := now.Sub(w.start)
	if elapsed < w.length {
		return WindowStats{}, false
	}
	out := w.cur
	out.Elapsed = elapsed
	w.cur = WindowStats{}
	w.start = now
	return out, true
}
