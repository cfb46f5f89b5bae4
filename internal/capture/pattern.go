package capture

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// PatternOpener produces scrolling colour bars at a fixed rate. It stands in
// for a camera in tests and demos.
type PatternOpener struct {
	Width  int
	Height int
	FPS    float64
}

func (o *PatternOpener) Open(ctx context.Context) (Source, error) {
	interval := time.Second
	if o.FPS > 0 {
		interval = time.Duration(float64(time.Second) / o.FPS)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &patternSource{
		width:    o.Width,
		height:   o.Height,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type patternSource struct {
	width, height int
	interval      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	next    time.Time
	count   int
	grabbed bool
}

// Grab blocks until the next frame is due, mimicking a live camera.
func (s *patternSource) Grab() error {
	s.mu.Lock()
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	wait := s.next.Sub(now)
	s.next = s.next.Add(s.interval)
	if s.next.Before(now) {
		// Fell behind; do not try to catch up with a burst.
		s.next = now.Add(s.interval)
	}
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return ErrClosed
		}
	} else if s.ctx.Err() != nil {
		return ErrClosed
	}

	s.mu.Lock()
	s.count++
	s.grabbed = true
	s.mu.Unlock()
	return nil
}

func (s *patternSource) Retrieve() (image.Image, error) {
	s.mu.Lock()
	if !s.grabbed {
		s.mu.Unlock()
		return nil, errNotGrabbed
	}
	s.grabbed = false
	n := s.count
	s.mu.Unlock()

	return colorBars(s.width, s.height, n), nil
}

func (s *patternSource) Close() error {
	s.cancel()
	return nil
}

// colorBars draws eight vertical bars shifted right by offset pixels.
func colorBars(width, height, offset int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}

	shift := offset % width
	for i, c := range barColors {
		x0 := (i*barWidth + shift) % width
		x1 := x0 + barWidth
		fill := &image.Uniform{C: c}
		draw.Draw(img, image.Rect(x0, 0, min(x1, width), height), fill, image.Point{}, draw.Src)
		if x1 > width {
			// Wrap around the left edge.
			draw.Draw(img, image.Rect(0, 0, x1-width, height), fill, image.Point{}, draw.Src)
		}
	}
	return img
}
