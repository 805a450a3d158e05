// Package framebuf implements the bounded hand-off between the frame reader
// and the consumer. A full buffer blocks the reader, which in turn stops
// draining the transcoder's stdout and throttles the whole process chain
// through pipe backpressure.
package framebuf

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/mirrorpipe/internal/media"
)

// ErrTimedOut is returned by Pop when no frame arrives before the timeout.
var ErrTimedOut = errors.New("framebuf: timed out")

// Buffer is a fixed-capacity FIFO of decoded frames for one producer and
// one consumer.
type Buffer struct {
	ch chan *media.RawFrame
}

// New creates a Buffer holding up to capacity frames. A non-positive
// capacity selects media.DefaultBufferCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = media.DefaultBufferCapacity
	}
	return &Buffer{ch: make(chan *media.RawFrame, capacity)}
}

// Push enqueues f, blocking while the buffer is full. It never drops a
// frame; it returns ctx.Err() if ctx is cancelled first.
func (b *Buffer) Push(ctx context.Context, f *media.RawFrame) error {
	select {
	case b.ch <- f:
		return nil
	default:
	}

	select {
	case b.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest frame, waiting up to timeout.
func (b *Buffer) Pop(timeout time.Duration) (*media.RawFrame, error) {
	if f, ok := b.TryPop(); ok {
		return f, nil
	}
	if timeout <= 0 {
		return nil, ErrTimedOut
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-b.ch:
		return f, nil
	case <-timer.C:
		return nil, ErrTimedOut
	}
}

// PopContext dequeues the oldest frame, waiting until ctx is done.
func (b *Buffer) PopContext(ctx context.Context) (*media.RawFrame, error) {
	select {
	case f := <-b.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Frames exposes the receive side for callers that multiplex the buffer
// with other signals in a select.
func (b *Buffer) Frames() <-chan *media.RawFrame {
	return b.ch
}

// TryPop dequeues the oldest frame without waiting.
func (b *Buffer) TryPop() (*media.RawFrame, bool) {
	select {
	case f := <-b.ch:
		return f, true
	default:
		return nil, false
	}
}

// Flush discards every buffered frame and returns how many were dropped.
// The producer must be stopped while flushing so no frame from before the
// flush can be enqueued after it.
func (b *Buffer) Flush() int {
	n := 0
	for {
		select {
		case <-b.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	return len(b.ch)
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return cap(b.ch)
}
