// Package pipeline delivers decoded frames from a supervised capture chain
// to a consumer. It owns the reader that demuxes the transcoder's output
// into the bounded buffer, and the supervise loop that restarts the chain
// when the stream desyncs, stalls, or a process dies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mirrorpipe/internal/framebuf"
	"github.com/zsiec/mirrorpipe/internal/liveness"
	"github.com/zsiec/mirrorpipe/internal/media"
	"github.com/zsiec/mirrorpipe/internal/metrics"
	"github.com/zsiec/mirrorpipe/internal/supervisor"
)

// Defaults for Config fields left at zero.
const (
	DefaultCooldown      = time.Second
	DefaultCheckInterval = 500 * time.Millisecond
	DefaultExitGrace     = time.Second
)

var (
	// ErrUnavailable is returned by GetFrame when no frame can be delivered:
	// the pipeline is stopped or failed, or the timeout elapsed.
	ErrUnavailable = errors.New("pipeline: frame unavailable")

	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = liveness.ErrAlreadyRunning
)

// Config configures a Pipeline. Zero values select defaults.
type Config struct {
	BufferCapacity int
	StaleThreshold time.Duration
	// Cooldown is the pause between tearing a chain down and relaunching.
	Cooldown time.Duration
	// CheckInterval is the period of the staleness and exit checks.
	CheckInterval time.Duration
	// ExitGrace is how long a process exit may go unreported by the reader
	// before it is treated as a fault on its own.
	ExitGrace   time.Duration
	PixelFormat media.PixelFormat
	Clock       liveness.Clock
	Log         *slog.Logger
	Metrics     *metrics.Metrics
}

// Pipeline is the consumer-facing facade. Start, GetFrame, Stop, and Status
// are safe for concurrent use; GetFrame expects a single consumer.
type Pipeline struct {
	cfg      Config
	log      *slog.Logger
	clock    liveness.Clock
	launcher Launcher
	ctrl     *liveness.Controller
	buf      *framebuf.Buffer
	metrics  *metrics.Metrics

	mu  sync.Mutex // serializes Start and Stop
	cur atomic.Pointer[run]
}

// New creates a stopped Pipeline that launches chains with launcher.
func New(cfg Config, launcher Launcher) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = liveness.SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = DefaultExitGrace
	}
	if cfg.PixelFormat == "" {
		cfg.PixelFormat = media.PixelFormatBGR24
	}

	p := &Pipeline{
		cfg:      cfg,
		log:      cfg.Log.With("component", "pipeline"),
		clock:    cfg.Clock,
		launcher: launcher,
		buf:      framebuf.New(cfg.BufferCapacity),
		metrics:  cfg.Metrics,
	}
	p.ctrl = liveness.NewController(cfg.Clock, cfg.StaleThreshold, func(from, to liveness.State) {
		p.metrics.SetState(to)
		p.log.Info("state change", "from", from.String(), "to", to.String())
	})
	return p
}

// Start launches the capture chain for frames of geometry geom and begins
// delivering frames. maxRetries bounds automatic relaunches for this run.
// ctx bounds the initial launch only; the run lasts until Stop or until the
// retry budget is exhausted. A launch failure is returned as a
// *supervisor.LaunchError and leaves the pipeline stopped.
func (p *Pipeline) Start(ctx context.Context, geom media.FrameGeometry, maxRetries int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old := p.cur.Load(); old != nil && !p.ctrl.State().Active() {
		old.cancel()
		<-old.done
		p.cur.Store(nil)
	}
	if err := p.ctrl.Begin(maxRetries); err != nil {
		return err
	}
	if err := geom.Validate(); err != nil {
		p.ctrl.Abort()
		return &supervisor.LaunchError{Process: "pipeline", Err: err}
	}
	p.buf.Flush()
	p.metrics.BufferDepth.Store(0)

	sess, err := p.launcher.Launch(ctx, geom)
	if err != nil {
		p.metrics.LaunchFailures.Add(1)
		p.ctrl.Abort()
		p.log.Error("launch failed", "geometry", geom.String(), "error", err)
		return err
	}

	r := newRun(geom)
	p.attach(r, sess)
	p.cur.Store(r)
	go p.supervise(r)

	p.log.Info("pipeline started", "geometry", geom.String(), "frame_bytes", geom.FrameSize(),
		"max_retries", maxRetries, "session", sess.SessionID())
	return nil
}

// GetFrame returns the next frame, waiting up to timeout. It returns
// ErrUnavailable when the pipeline is stopped, when the timeout elapses, or
// when the pipeline failed and no buffered frame remains. Stop wakes a
// blocked call immediately.
func (p *Pipeline) GetFrame(timeout time.Duration) (*media.RawFrame, error) {
	r := p.cur.Load()
	state := p.ctrl.State()
	if r == nil || state == liveness.StateStopped {
		return nil, ErrUnavailable
	}

	if p.ctrl.Stale() && p.buf.Len() == 0 {
		p.log.Warn("no frame within stale threshold", "age", p.ctrl.LastFrameAge())
		r.requestRestart(liveness.CauseStall, nil)
	}

	if f, ok := p.buf.TryPop(); ok {
		return p.delivered(f), nil
	}
	if state == liveness.StateFailed {
		return nil, ErrUnavailable
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-p.buf.Frames():
		return p.delivered(f), nil
	case <-r.halted:
		if p.ctrl.State() == liveness.StateFailed {
			if f, ok := p.buf.TryPop(); ok {
				return p.delivered(f), nil
			}
		}
		return nil, ErrUnavailable
	case <-timer.C:
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, framebuf.ErrTimedOut)
	}
}

func (p *Pipeline) delivered(f *media.RawFrame) *media.RawFrame {
	p.metrics.FramesDelivered.Add(1)
	p.metrics.BufferDepth.Store(int64(p.buf.Len()))
	return f
}

// Stop ends the run: it wakes GetFrame, stops the reader, closes the
// streams, terminates the processes, and waits for background work. It is
// idempotent and safe to call from any goroutine.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	wasActive := p.ctrl.Halt()
	r := p.cur.Swap(nil)
	if r == nil {
		return
	}
	r.halt()
	r.cancel()
	<-r.done

	if n := p.buf.Flush(); n > 0 {
		p.metrics.FramesFlushed.Add(uint64(n))
	}
	p.metrics.BufferDepth.Store(0)
	if wasActive {
		p.log.Info("pipeline stopped")
	}
}

// State returns the current pipeline state.
func (p *Pipeline) State() liveness.State {
	return p.ctrl.State()
}

// Metrics returns the pipeline's metrics.
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State           string               `json:"state"`
	SessionID       string               `json:"sessionId,omitempty"`
	Geometry        string               `json:"geometry,omitempty"`
	FrameBytes      int                  `json:"frameBytes,omitempty"`
	Budget          liveness.RetryBudget `json:"budget"`
	Restarts        int64                `json:"restarts"`
	FramesRead      uint64               `json:"framesRead"`
	FramesDelivered uint64               `json:"framesDelivered"`
	LastFrameAgeMs  int64                `json:"lastFrameAgeMs"`
	BufferDepth     int                  `json:"bufferDepth"`
	BufferCapacity  int                  `json:"bufferCapacity"`
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	s := Status{
		State:           p.ctrl.State().String(),
		Budget:          p.ctrl.Budget(),
		Restarts:        p.ctrl.Restarts(),
		FramesRead:      p.metrics.FramesRead.Load(),
		FramesDelivered: p.metrics.FramesDelivered.Load(),
		BufferDepth:     p.buf.Len(),
		BufferCapacity:  p.buf.Cap(),
	}
	if r := p.cur.Load(); r != nil {
		s.SessionID = r.currentSessionID()
		s.Geometry = r.geom.String()
		s.FrameBytes = r.geom.FrameSize()
		s.LastFrameAgeMs = p.ctrl.LastFrameAge().Milliseconds()
	}
	return s
}
