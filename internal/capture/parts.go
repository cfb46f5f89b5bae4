package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	"github.com/mattn/go-mjpeg"
	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/cctv-relay/internal/frameslot"
)

// partReader drains a multipart JPEG stream on its own goroutine and keeps
// only the newest undecoded part, so the stream never backs up behind a
// slow decode. Grab takes the newest part; Retrieve decodes that one only.
type partReader struct {
	dec  *mjpeg.Decoder
	slot *frameslot.Slot[[]byte]

	ready chan struct{} // signalled after every part
	ended chan struct{} // closed when the stream fails or ends
	err   error         // valid once ended is closed

	stop     chan struct{}
	stopOnce sync.Once

	taken   uint64 // slot version last handed to Grab
	pending []byte
}

func newPartReader(dec *mjpeg.Decoder) *partReader {
	r := &partReader{
		dec:   dec,
		slot:  frameslot.New[[]byte](),
		ready: make(chan struct{}, 1),
		ended: make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *partReader) run() {
	defer close(r.ended)
	for {
		// DecodeRaw returns a fresh buffer per part.
		data, err := r.dec.DecodeRaw()
		if err != nil {
			r.err = err
			return
		}
		r.slot.Put(data)
		select {
		case r.ready <- struct{}{}:
		default:
		}
	}
}

// grab waits for a part newer than the last one taken. Parts that arrived
// in between are skipped.
func (r *partReader) grab() error {
	for {
		select {
		case <-r.stop:
			return ErrClosed
		default:
		}

		if data, version, ok := r.slot.GetVersion(); ok && version > r.taken {
			r.taken = version
			r.pending = data
			return nil
		}

		select {
		case <-r.stop:
			return ErrClosed
		case <-r.ready:
		case <-r.ended:
			if r.slot.Version() > r.taken {
				continue
			}
			select {
			case <-r.stop:
				return ErrClosed
			default:
			}
			return r.err
		}
	}
}

func (r *partReader) retrieve() (image.Image, error) {
	if r.pending == nil {
		return nil, errNotGrabbed
	}
	data := r.pending
	r.pending = nil
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode jpeg part")
	}
	return img, nil
}

// close makes grab return ErrClosed. The owner still has to close the
// underlying stream so the reader goroutine exits.
func (r *partReader) close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// skipped counts parts replaced before grab saw them.
func (r *partReader) skipped() uint64 {
	return r.slot.Overwrites()
}
