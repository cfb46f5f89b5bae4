package relay

import (
	"context"
	"time"
)

// Pacer spaces send cycles at a fixed interval. Time spent inside a cycle
// is subtracted from the wait; an overrun is never carried into the next
// cycle.
type Pacer struct {
	interval time.Duration
}

// NewPacer returns a pacer for fps cycles per second.
func NewPacer(fps float64) *Pacer {
	return &Pacer{interval: time.Duration(float64(time.Second) / fps)}
}

// Interval returns the cycle length.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Remaining returns how long to sleep after a cycle that took elapsed.
func (p *Pacer) Remaining(elapsed time.Duration) time.Duration {
	if d := p.interval - elapsed; d > 0 {
		return d
	}
	return 0
}

// Wait sleeps out the rest of the cycle that started at start.
func (p *Pacer) Wait(ctx context.Context, start time.Time) error {
	return Sleep(ctx, p.Remaining(time.Since(start)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
