// Package supervisor launches, watches, and tears down the two-stage capture
// chain: a source producing a compressed stream and a transcoder turning it
// into raw pixels. The source's output is handed to the transcoder as a
// plain OS pipe, so no bytes are copied through this process.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mirrorpipe/internal/media"
)

// DefaultGracePeriod is how long a member gets to exit after SIGTERM.
const DefaultGracePeriod = 2 * time.Second

// Source produces the compressed stream consumed by the transcoder.
type Source interface {
	Name() string
	// Start begins writing the stream into w and takes ownership of w: the
	// source closes it when it no longer needs it, including on error.
	Start(ctx context.Context, w *os.File, log *slog.Logger) (Member, error)
}

// ProcessSource runs an external capture executable with its stdout bound
// to the transcoder's stdin.
type ProcessSource struct {
	Command Command
}

// Name returns the command's diagnostic name.
func (s ProcessSource) Name() string {
	if s.Command.Name != "" {
		return s.Command.Name
	}
	return s.Command.Path
}

// Start spawns the capture process.
func (s ProcessSource) Start(_ context.Context, w *os.File, log *slog.Logger) (Member, error) {
	defer w.Close()
	h, err := StartProcess(s.Command, nil, w, log)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Config configures a Supervisor.
type Config struct {
	Source         Source
	TranscoderPath string
	Transcode      TranscodeOptions
	GracePeriod    time.Duration
}

// Supervisor spawns capture chains. It holds no per-chain state; every
// Launch returns an independent Pair.
type Supervisor struct {
	log *slog.Logger
	cfg Config
}

// New creates a Supervisor. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.TranscoderPath == "" {
		cfg.TranscoderPath = "ffmpeg"
	}
	return &Supervisor{
		log: log.With("component", "supervisor"),
		cfg: cfg,
	}
}

// Launch starts the source and the transcoder for frames of geometry g and
// wires them together. On failure everything already started is torn down
// and a *LaunchError is returned.
func (s *Supervisor) Launch(ctx context.Context, g media.FrameGeometry) (*Pair, error) {
	if err := g.Validate(); err != nil {
		return nil, &LaunchError{Process: "pipeline", Err: err}
	}
	if s.cfg.Source == nil {
		return nil, &LaunchError{Process: "source", Err: fmt.Errorf("no source configured")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Process: s.cfg.Source.Name(), Err: err}
	}

	id := uuid.NewString()
	log := s.log.With("session", id)

	srcR, srcW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Process: "pipe", Err: err}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		srcR.Close()
		srcW.Close()
		return nil, &LaunchError{Process: "pipe", Err: err}
	}

	src, err := s.cfg.Source.Start(ctx, srcW, log)
	if err != nil {
		srcR.Close()
		outR.Close()
		outW.Close()
		return nil, &LaunchError{Process: s.cfg.Source.Name(), Err: err}
	}

	tc, err := StartProcess(Command{
		Name: "transcoder",
		Path: s.cfg.TranscoderPath,
		Args: TranscodeArgs(s.cfg.Transcode, g),
	}, srcR, outW, log)
	srcR.Close()
	outW.Close()
	if err != nil {
		outR.Close()
		if terr := s.Terminate(src); terr != nil {
			log.Error("source teardown after failed launch", "error", terr)
		}
		return nil, &LaunchError{Process: "transcoder", Err: err}
	}

	p := &Pair{
		ID:         id,
		Geometry:   g,
		StartedAt:  time.Now(),
		Source:     src,
		Transcoder: tc,
		log:        log,
		out:        outR,
		grace:      s.cfg.GracePeriod,
		exited:     make(chan struct{}),
	}
	go p.watch()

	log.Info("capture chain launched", "geometry", g.String(), "source", src.Name(), "transcoder_pid", tc.Pid())
	return p, nil
}

// Terminate stops one member with the configured grace period. A failure to
// kill is logged as a fatal anomaly and returned; it never panics.
func (s *Supervisor) Terminate(m Member) error {
	if m == nil {
		return nil
	}
	err := m.Terminate(s.cfg.GracePeriod)
	if err != nil {
		s.log.Error("member could not be terminated", "member", m.Name(), "error", err)
	}
	return err
}

// Pair is one running capture chain.
type Pair struct {
	ID         string
	Geometry   media.FrameGeometry
	StartedAt  time.Time
	Source     Member
	Transcoder *Handle

	log    *slog.Logger
	out    *os.File
	grace  time.Duration
	exited chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Output is the transcoder's stdout carrying raw frames.
func (p *Pair) Output() io.Reader {
	return p.out
}

// Exited is closed as soon as either member stops.
func (p *Pair) Exited() <-chan struct{} {
	return p.exited
}

// SessionID returns the launch id used in logs.
func (p *Pair) SessionID() string {
	return p.ID
}

func (p *Pair) watch() {
	select {
	case <-p.Source.Done():
		p.log.Warn("source stopped", "member", p.Source.Name())
	case <-p.Transcoder.Done():
		p.log.Warn("transcoder stopped", "code", p.Transcoder.ExitCode())
	}
	close(p.exited)
}

// Close closes the output stream first, which unblocks any pending read,
// then terminates both members concurrently. It is idempotent.
func (p *Pair) Close() error {
	p.closeOnce.Do(func() {
		p.out.Close()

		var g errgroup.Group
		g.Go(func() error { return p.Source.Terminate(p.grace) })
		g.Go(func() error { return p.Transcoder.Terminate(p.grace) })
		p.closeErr = g.Wait()

		if p.closeErr != nil {
			p.log.Error("capture chain teardown incomplete", "error", p.closeErr)
		} else {
			p.log.Info("capture chain stopped", "uptime", time.Since(p.StartedAt))
		}
	})
	return p.closeErr
}
