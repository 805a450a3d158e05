// Package media defines the frame types that flow through the mirrorpipe
// acquisition pipeline, from the transcoder's raw output to the consumer.
package media

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// BytesPerPixel is the size of one packed pixel in every supported format.
const BytesPerPixel = 3

// DefaultBufferCapacity is the number of decoded frames held between the
// reader and the consumer. Sized to absorb bursts without queueing stale
// pictures: ~160ms at 30fps.
const DefaultBufferCapacity = 5

// ErrInvalidGeometry is returned for frame geometries with non-positive sides.
var ErrInvalidGeometry = errors.New("media: invalid frame geometry")

// PixelFormat names the packed pixel layout the transcoder emits. The value
// is passed verbatim to the transcoder as its output pixel format.
type PixelFormat string

// Supported packed pixel formats.
const (
	PixelFormatBGR24 PixelFormat = "bgr24"
	PixelFormatRGB24 PixelFormat = "rgb24"
)

// ParsePixelFormat validates a pixel format name. An empty name selects BGR24.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch PixelFormat(s) {
	case "", PixelFormatBGR24:
		return PixelFormatBGR24, nil
	case PixelFormatRGB24:
		return PixelFormatRGB24, nil
	default:
		return "", fmt.Errorf("media: unsupported pixel format %q", s)
	}
}

// FrameGeometry describes the exact shape of one raw record on the wire.
// It is fixed for the lifetime of a pipeline run.
type FrameGeometry struct {
	Width         int
	Height        int
	BytesPerPixel int
}

// NewGeometry returns a packed 3-byte-per-pixel geometry.
func NewGeometry(width, height int) FrameGeometry {
	return FrameGeometry{Width: width, Height: height, BytesPerPixel: BytesPerPixel}
}

// Validate reports whether every dimension is positive.
func (g FrameGeometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 || g.BytesPerPixel <= 0 {
		return fmt.Errorf("%w: %dx%d@%d", ErrInvalidGeometry, g.Width, g.Height, g.BytesPerPixel)
	}
	return nil
}

// FrameSize is the byte length of one record: width*height*bytesPerPixel.
func (g FrameGeometry) FrameSize() int {
	return g.Width * g.Height * g.BytesPerPixel
}

func (g FrameGeometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// ScaleToMax returns the geometry a capture source produces for a w x h
// screen when its longest side is capped at maxDim. The aspect ratio is
// preserved and both sides are aligned down to a multiple of 8, matching the
// encoder-friendly sizes the capture tool emits. maxDim <= 0 disables the cap.
func ScaleToMax(w, h, maxDim int) FrameGeometry {
	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w >= h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
	}
	return NewGeometry(w&^7, h&^7)
}

// RawFrame is one decoded picture. Data is owned by the frame, exactly
// Geometry.FrameSize() bytes long, and must not be modified after creation.
type RawFrame struct {
	Seq        uint64
	CapturedAt time.Time
	Geometry   FrameGeometry
	Format     PixelFormat
	Data       []byte
}

// Image converts the packed pixels into an NRGBA image for encoders.
func (f *RawFrame) Image() *image.NRGBA {
	w, h := f.Geometry.Width, f.Geometry.Height
	img := image.NewNRGBA(image.Rect(0, 0, w, h))

	ri, bi := 2, 0 // bgr24
	if f.Format == PixelFormatRGB24 {
		ri, bi = 0, 2
	}

	for px := 0; px < w*h; px++ {
		src := f.Data[px*BytesPerPixel : px*BytesPerPixel+BytesPerPixel]
		dst := img.Pix[px*4 : px*4+4]
		dst[0] = src[ri]
		dst[1] = src[1]
		dst[2] = src[bi]
		dst[3] = 0xFF
	}
	return img
}
