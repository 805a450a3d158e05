package demux

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"testing/iotest"
	"time"

	"github.com/zsiec/mirrorpipe/internal/media"
)

// records builds k consecutive records of geometry g, each filled with a
// distinct byte pattern so reordering or mixing is detectable.
func records(g media.FrameGeometry, k int) [][]byte {
	out := make([][]byte, k)
	for i := range out {
		rec := make([]byte, g.FrameSize())
		for j := range rec {
			rec[j] = byte(i*31 + j)
		}
		out[i] = rec
	}
	return out
}

func TestReadFrameExactRecords(t *testing.T) {
	t.Parallel()

	g := media.NewGeometry(100, 50)
	recs := records(g, 4)
	rd := NewReader(bytes.NewReader(bytes.Join(recs, nil)), g)

	for i, want := range recs {
		f, err := rd.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(f.Data) != g.FrameSize() {
			t.Fatalf("frame %d: len %d, want %d", i, len(f.Data), g.FrameSize())
		}
		if !bytes.Equal(f.Data, want) {
			t.Fatalf("frame %d: content mismatch", i)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d: seq %d, want %d", i, f.Seq, i+1)
		}
	}

	if _, err := rd.ReadFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("after last record: got %v, want ErrEndOfStream", err)
	}
	if errors.Is(ErrEndOfStream, ErrPartialFrame) {
		t.Fatal("end of stream must be distinct from partial frame")
	}

	s := rd.Stats()
	if s.Frames != 4 || s.PartialFrames != 0 || s.Bytes != int64(4*g.FrameSize()) {
		t.Errorf("stats = %+v", s)
	}
}

func TestReadFrameSmallChunks(t *testing.T) {
	t.Parallel()

	g := media.NewGeometry(4, 3)
	recs := records(g, 3)
	rd := NewReader(iotest.OneByteReader(bytes.NewReader(bytes.Join(recs, nil))), g)

	for i, want := range recs {
		f, err := rd.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(f.Data, want) {
			t.Fatalf("frame %d: content mismatch", i)
		}
	}
	if _, err := rd.ReadFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("got %v, want ErrEndOfStream", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()

	g := media.NewGeometry(10, 10)
	recs := records(g, 2)
	stream := append(bytes.Join(recs, nil), recs[0][:123]...)
	rd := NewReader(iotest.HalfReader(bytes.NewReader(stream)), g)

	for i := range recs {
		if _, err := rd.ReadFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	f, err := rd.ReadFrame()
	if f != nil {
		t.Fatalf("truncated record returned a frame of %d bytes", len(f.Data))
	}
	var pe *PartialFrameError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *PartialFrameError", err)
	}
	if pe.Got != 123 || pe.Want != g.FrameSize() {
		t.Errorf("partial = %d/%d, want 123/%d", pe.Got, pe.Want, g.FrameSize())
	}
	if !errors.Is(err, ErrPartialFrame) {
		t.Error("errors.Is(err, ErrPartialFrame) = false")
	}
	if errors.Is(err, ErrEndOfStream) {
		t.Error("partial frame must not match ErrEndOfStream")
	}
	if rd.Stats().PartialFrames != 1 {
		t.Errorf("PartialFrames = %d, want 1", rd.Stats().PartialFrames)
	}
}

func TestReadFrameEmptyStream(t *testing.T) {
	t.Parallel()

	_, err := ReadFrame(bytes.NewReader(nil), media.NewGeometry(2, 2))
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("got %v, want ErrEndOfStream", err)
	}
}

func TestReadFrameReadError(t *testing.T) {
	t.Parallel()

	g := media.NewGeometry(2, 2)
	boom := errors.New("boom")

	_, err := ReadFrame(iotest.ErrReader(boom), g)
	if !errors.Is(err, ErrEndOfStream) || !errors.Is(err, boom) {
		t.Fatalf("empty accumulator: got %v, want ErrEndOfStream wrapping cause", err)
	}

	r := io.MultiReader(bytes.NewReader([]byte{1, 2, 3}), iotest.ErrReader(boom))
	_, err = ReadFrame(r, g)
	if !errors.Is(err, ErrPartialFrame) || !errors.Is(err, boom) {
		t.Fatalf("partial accumulator: got %v, want partial frame wrapping cause", err)
	}
}

func TestReadFrameClosedPipe(t *testing.T) {
	t.Parallel()

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	rd := NewReader(pr, media.NewGeometry(16, 16))
	errCh := make(chan error, 1)
	go func() {
		_, err := rd.ReadFrame()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	pr.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("got %v, want ErrEndOfStream", err)
		}
	case <-time.After(time.Second):
		t.Fatal("closing the pipe did not unblock ReadFrame")
	}
}

func TestReadFrameNeverEmitsOtherLengths(t *testing.T) {
	t.Parallel()

	for w := 1; w <= 9; w++ {
		for h := 1; h <= 9; h++ {
			g := media.NewGeometry(w, h)
			// Two full records plus a tail of every possible short length.
			for tail := 0; tail < g.FrameSize(); tail++ {
				stream := make([]byte, 2*g.FrameSize()+tail)
				rd := NewReader(bytes.NewReader(stream), g)
				for {
					f, err := rd.ReadFrame()
					if err != nil {
						if tail == 0 && !errors.Is(err, ErrEndOfStream) {
							t.Fatalf("%s tail %d: got %v, want end of stream", g, tail, err)
						}
						if tail > 0 && !errors.Is(err, ErrPartialFrame) {
							t.Fatalf("%s tail %d: got %v, want partial frame", g, tail, err)
						}
						break
					}
					if len(f.Data) != g.FrameSize() {
						t.Fatalf("%s: emitted %d bytes, want %d", g, len(f.Data), g.FrameSize())
					}
				}
			}
		}
	}
}

func TestReadFrameOptions(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := media.NewGeometry(1, 1)
	rd := NewReader(bytes.NewReader([]byte{1, 2, 3}), g,
		WithPixelFormat(media.PixelFormatRGB24),
		WithClock(func() time.Time { return at }),
	)
	f, err := rd.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Format != media.PixelFormatRGB24 {
		t.Errorf("format = %q", f.Format)
	}
	if !f.CapturedAt.Equal(at) {
		t.Errorf("CapturedAt = %v, want %v", f.CapturedAt, at)
	}
}

func TestReadFrameInvalidGeometry(t *testing.T) {
	t.Parallel()

	_, err := ReadFrame(bytes.NewReader([]byte{1}), media.NewGeometry(0, 5))
	if !errors.Is(err, media.ErrInvalidGeometry) {
		t.Fatalf("got %v, want ErrInvalidGeometry", err)
	}
}
