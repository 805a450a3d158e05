package demux

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by ReadFrame. Both signal that the stream
// instance is finished and the producer must be relaunched.
var (
	ErrEndOfStream  = errors.New("demux: end of stream")
	ErrPartialFrame = errors.New("demux: partial frame")
)

// PartialFrameError reports a stream that ended in the middle of a record.
// The bytes read so far are discarded; a truncated frame is never returned.
type PartialFrameError struct {
	Got  int
	Want int
	Err  error
}

func (e *PartialFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("demux: partial frame: got %d of %d bytes: %v", e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("demux: partial frame: got %d of %d bytes", e.Got, e.Want)
}

// Is lets errors.Is(err, ErrPartialFrame) match any PartialFrameError.
func (e *PartialFrameError) Is(target error) bool {
	return target == ErrPartialFrame
}

func (e *PartialFrameError) Unwrap() error {
	return e.Err
}
