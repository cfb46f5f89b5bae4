package capture

import (
	"context"
	"image"
	"io"
	"net/http"
	"sync"

	"github.com/mattn/go-mjpeg"
	"github.com/pkg/errors"
)

// MJPEGOpener reads a multipart/x-mixed-replace JPEG stream over HTTP, the
// format most IP cameras expose next to RTSP.
type MJPEGOpener struct {
	URL    string
	Client *http.Client // default http.DefaultClient
}

func (o *MJPEGOpener) Open(ctx context.Context) (Source, error) {
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "mjpeg request")
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "mjpeg GET %s", o.URL)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, errors.Errorf("mjpeg GET %s: %s", o.URL, res.Status)
	}

	dec, err := mjpeg.NewDecoderFromResponse(res)
	if err != nil {
		res.Body.Close()
		return nil, errors.Wrap(err, "mjpeg decoder")
	}

	return newMJPEGSource(dec, res.Body), nil
}

// mjpegSource adapts a go-mjpeg decoder to Source.
type mjpegSource struct {
	parts *partReader
	body  io.Closer
	once  sync.Once
}

func newMJPEGSource(dec *mjpeg.Decoder, body io.Closer) *mjpegSource {
	return &mjpegSource{parts: newPartReader(dec), body: body}
}

func (s *mjpegSource) Grab() error {
	if err := s.parts.grab(); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return errors.Wrap(err, "mjpeg stream")
	}
	return nil
}

func (s *mjpegSource) Retrieve() (image.Image, error) {
	return s.parts.retrieve()
}

func (s *mjpegSource) Close() error {
	var err error
	s.once.Do(func() {
		s.parts.close()
		err = s.body.Close()
		if n := s.parts.skipped(); n > 0 {
			log.Debug("mjpeg source skipped %d stale parts", n)
		}
	})
	return err
}
