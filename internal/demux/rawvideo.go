package demux

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/zsiec/mirrorpipe/internal/media"
)

// Stats is a snapshot of a Reader's counters.
type Stats struct {
	Frames        int64 `json:"frames"`
	Bytes         int64 `json:"bytes"`
	PartialFrames int64 `json:"partialFrames"`
}

// Reader reassembles fixed-size raw video records from a byte stream. It
// is not safe for concurrent ReadFrame calls; Stats may be called from any
// goroutine.
type Reader struct {
	r        io.Reader
	geometry media.FrameGeometry
	format   media.PixelFormat
	now      func() time.Time

	seq     uint64
	frames  atomic.Int64
	bytes   atomic.Int64
	partial atomic.Int64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithPixelFormat tags produced frames with the given pixel format.
func WithPixelFormat(f media.PixelFormat) ReaderOption {
	return func(r *Reader) {
		r.format = f
	}
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) ReaderOption {
	return func(r *Reader) {
		r.now = now
	}
}

// NewReader creates a Reader producing frames of geometry g from r.
func NewReader(r io.Reader, g media.FrameGeometry, opts ...ReaderOption) *Reader {
	rd := &Reader{
		r:        r,
		geometry: g,
		format:   media.PixelFormatBGR24,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// ReadFrame returns the next complete record. It returns ErrEndOfStream when
// the stream ends (or its pipe is closed) on a record boundary and a
// *PartialFrameError when it ends mid-record.
func (rd *Reader) ReadFrame() (*media.RawFrame, error) {
	size := rd.geometry.FrameSize()
	if size <= 0 {
		return nil, rd.geometry.Validate()
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(rd.r, buf)
	rd.bytes.Add(int64(n))
	if err != nil {
		if n == 0 {
			if errors.Is(err, io.EOF) {
				return nil, ErrEndOfStream
			}
			return nil, fmt.Errorf("%w: %w", ErrEndOfStream, err)
		}
		rd.partial.Add(1)
		pe := &PartialFrameError{Got: n, Want: size}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			pe.Err = err
		}
		return nil, pe
	}

	rd.seq++
	rd.frames.Add(1)
	return &media.RawFrame{
		Seq:        rd.seq,
		CapturedAt: rd.now(),
		Geometry:   rd.geometry,
		Format:     rd.format,
		Data:       buf,
	}, nil
}

// Stats returns the reader's counters.
func (rd *Reader) Stats() Stats {
	return Stats{
		Frames:        rd.frames.Load(),
		Bytes:         rd.bytes.Load(),
		PartialFrames: rd.partial.Load(),
	}
}

// ReadFrame reads a single record of geometry g from r. See Reader.ReadFrame.
func ReadFrame(r io.Reader, g media.FrameGeometry) (*media.RawFrame, error) {
	return NewReader(r, g).ReadFrame()
}
