// Package codec encodes captured frames for the wire.
package codec

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	"github.com/pkg/errors"
)

// Encoder turns an image into a self-contained payload.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// JPEGEncoder encodes baseline JPEG at a fixed quality.
type JPEGEncoder struct {
	quality int
	pool    sync.Pool
}

// NewJPEGEncoder returns an encoder for quality in [0, 100].
func NewJPEGEncoder(quality int) (*JPEGEncoder, error) {
	if quality < 0 || quality > 100 {
		return nil, errors.Errorf("jpeg quality %d out of range [0,100]", quality)
	}
	return &JPEGEncoder{
		quality: quality,
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}, nil
}

// Quality returns the configured quality.
func (e *JPEGEncoder) Quality() int { return e.quality }

// Encode returns a freshly allocated JPEG; the scratch buffer goes back to
// the pool.
func (e *JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("jpeg encode: nil image")
	}
	if b := img.Bounds(); b.Empty() {
		return nil, errors.Errorf("jpeg encode: empty image %v", b)
	}

	buf := e.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.pool.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	return bytes.Clone(buf.Bytes()), nil
}
