package supervisor

import (
	"strconv"

	"github.com/zsiec/mirrorpipe/internal/media"
)

// CaptureOptions configures the screen-mirroring capture process.
type CaptureOptions struct {
	MaxDimension int    // longest side cap in pixels, 0 for device size
	MaxFrameRate int    // 0 for unlimited
	Codec        string // e.g. "h264"
	BitRate      string // e.g. "8M"
	RecordFormat string // container written to stdout, e.g. "mkv"
	ExtraArgs    []string
}

// CaptureArgs builds the capture tool's argument list: no input control, no
// audio, and the encoded stream recorded to stdout.
func CaptureArgs(o CaptureOptions) []string {
	args := []string{"--no-control", "--no-audio"}
	if o.MaxDimension > 0 {
		args = append(args, "--max-size="+strconv.Itoa(o.MaxDimension))
	}
	if o.MaxFrameRate > 0 {
		args = append(args, "--max-fps="+strconv.Itoa(o.MaxFrameRate))
	}
	if o.Codec != "" {
		args = append(args, "--video-codec="+o.Codec)
	}
	if o.BitRate != "" {
		args = append(args, "--video-bit-rate="+o.BitRate)
	}
	args = append(args, "--record=-")
	if o.RecordFormat != "" {
		args = append(args, "--record-format="+o.RecordFormat)
	}
	return append(args, o.ExtraArgs...)
}

// TranscodeOptions configures the transcoder that turns the compressed
// capture stream into raw packed pixels.
type TranscodeOptions struct {
	LogLevel    string // e.g. "error"
	InputFormat string // demuxer for stdin, e.g. "matroska" or "mpegts"
	PixelFormat media.PixelFormat
	ExtraArgs   []string
}

// TranscodeArgs builds the transcoder's argument list. The output size is
// forced to g so every record on stdout is exactly g.FrameSize() bytes.
func TranscodeArgs(o TranscodeOptions, g media.FrameGeometry) []string {
	logLevel := o.LogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	pixFmt := o.PixelFormat
	if pixFmt == "" {
		pixFmt = media.PixelFormatBGR24
	}

	args := []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-fflags", "nobuffer+discardcorrupt",
		"-flags", "low_delay",
		"-avioflags", "direct",
		"-max_delay", "500000",
	}
	if o.InputFormat != "" {
		args = append(args, "-f", o.InputFormat)
	}
	args = append(args,
		"-i", "pipe:0",
		"-an",
		"-s", g.String(),
		"-f", "rawvideo",
		"-pix_fmt", string(pixFmt),
		"-fps_mode", "drop",
	)
	args = append(args, o.ExtraArgs...)
	return append(args, "pipe:1")
}
