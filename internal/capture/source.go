package capture

import (
	"context"
	"image"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by a Source after Close.
	ErrClosed = errors.New("capture: source closed")
	// ErrAlreadyStarted is returned by Loop.Start on a second call.
	ErrAlreadyStarted = errors.New("capture: loop already started")

	errNotGrabbed = errors.New("capture: retrieve without a grabbed frame")
)

// Source is an opened video decoder. The decoder itself is external; this is
// the slice of it the capture loop relies on.
//
// Grab advances to the newest available frame, Retrieve decodes the grabbed
// frame. Close releases the underlying handle, may be called concurrently
// with a blocked Grab (which then fails) and must be idempotent.
type Source interface {
	Grab() error
	Retrieve() (image.Image, error)
	Close() error
}

// Opener opens a Source. ctx bounds the lifetime of the opened source:
// cancelling it releases the handle.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Source, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Source, error) {
	return f(ctx)
}

// NewOpener picks a source implementation from the address scheme:
//
//	rtsp://, rtsps://, file paths  ffmpeg subprocess (multipart JPEG pipe)
//	http://, https://              MJPEG camera endpoint
//	testsrc://WxH?fps=N            synthetic colour bars
func NewOpener(address string) (Opener, error) {
	if address == "" {
		return nil, errors.New("capture: source address is required")
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: invalid source %q", address)
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "rtmp", "srt", "udp", "file", "":
		return NewFFmpegOpener(address), nil
	case "http", "https":
		return &MJPEGOpener{URL: address}, nil
	case "testsrc":
		return parsePatternAddress(u)
	default:
		return nil, errors.Errorf("capture: unsupported source scheme %q", u.Scheme)
	}
}

func parsePatternAddress(u *url.URL) (*PatternOpener, error) {
	o := &PatternOpener{Width: 640, Height: 480, FPS: 25}

	if size := u.Host; size != "" {
		w, h, err := parseSize(size)
		if err != nil {
			return nil, errors.Wrapf(err, "capture: invalid testsrc size %q", size)
		}
		o.Width, o.Height = w, h
	}
	if fps := u.Query().Get("fps"); fps != "" {
		f, err := strconv.ParseFloat(fps, 64)
		if err != nil || f <= 0 {
			return nil, errors.Errorf("capture: invalid testsrc fps %q", fps)
		}
		o.FPS = f
	}
	return o, nil
}

// parseSize parses "WIDTHxHEIGHT".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, errors.New("want WIDTHxHEIGHT")
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, errors.Wrap(err, "width")
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, errors.Wrap(err, "height")
	}
	if w <= 0 || h <= 0 {
		return 0, 0, errors.New("dimensions must be positive")
	}
	return w, h, nil
}
