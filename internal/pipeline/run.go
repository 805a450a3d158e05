package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mirrorpipe/internal/demux"
	"github.com/zsiec/mirrorpipe/internal/liveness"
	"github.com/zsiec/mirrorpipe/internal/media"
)

// restartRequest is sent by a reader when its stream desyncs or ends. gen
// identifies the session it was reading so late requests from a session
// already torn down are ignored.
type restartRequest struct {
	gen   uint64
	cause liveness.Cause
	err   error
}

// run is one Start..Stop/Failed lifetime. The session fields are owned by
// the supervise goroutine.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	geom   media.FrameGeometry

	restart chan restartRequest
	done    chan struct{}

	halted   chan struct{}
	haltOnce sync.Once

	gen       atomic.Uint64
	sessionID atomic.Value

	sess         Session
	readerCancel context.CancelFunc
	readerDone   chan struct{}
	exitedAt     time.Time
}

func newRun(geom media.FrameGeometry) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:     ctx,
		cancel:  cancel,
		geom:    geom,
		restart: make(chan restartRequest, 1),
		done:    make(chan struct{}),
		halted:  make(chan struct{}),
	}
	r.sessionID.Store("")
	return r
}

// halt wakes any consumer blocked in GetFrame.
func (r *run) halt() {
	r.haltOnce.Do(func() { close(r.halted) })
}

func (r *run) currentSessionID() string {
	id, _ := r.sessionID.Load().(string)
	return id
}

// requestRestart reports a fault without blocking. A pending request
// already covers the current session.
func (r *run) requestRestart(cause liveness.Cause, err error) {
	select {
	case r.restart <- restartRequest{gen: r.gen.Load(), cause: cause, err: err}:
	default:
	}
}

// attach makes sess the current session and starts its reader.
func (p *Pipeline) attach(r *run, sess Session) {
	gen := r.gen.Add(1)
	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	rd := demux.NewReader(sess.Output(), r.geom,
		demux.WithPixelFormat(p.cfg.PixelFormat),
		demux.WithClock(p.clock.Now),
	)

	r.sess = sess
	r.readerCancel = cancel
	r.readerDone = done
	r.exitedAt = time.Time{}
	r.sessionID.Store(sess.SessionID())

	go p.read(ctx, r, gen, rd, done)
}

// read pulls records until the stream ends or the session is torn down.
func (p *Pipeline) read(ctx context.Context, r *run, gen uint64, rd *demux.Reader, done chan struct{}) {
	defer close(done)

	for {
		f, err := rd.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cause := liveness.CauseEndOfStream
			if errors.Is(err, demux.ErrPartialFrame) {
				cause = liveness.CausePartialFrame
			}
			p.log.Warn("stream ended", "cause", cause.String(), "error", err, "frames", rd.Stats().Frames)
			select {
			case r.restart <- restartRequest{gen: gen, cause: cause, err: err}:
			case <-ctx.Done():
			}
			return
		}
		p.metrics.FramesRead.Add(1)
		p.ctrl.FrameDelivered()

		if err := p.buf.Push(ctx, f); err != nil {
			return
		}
		p.metrics.BufferDepth.Store(int64(p.buf.Len()))
	}
}

// detach stops the reader and tears the session down. The reader is
// cancelled before the streams close so it never reports the teardown as a
// fault.
func (p *Pipeline) detach(r *run) {
	if r.sess == nil {
		return
	}
	r.readerCancel()
	if err := r.sess.Close(); err != nil {
		p.log.Error("session teardown", "session", r.sess.SessionID(), "error", err)
	}
	<-r.readerDone
	r.sess = nil
}

// supervise owns the session for the lifetime of the run.
func (p *Pipeline) supervise(r *run) {
	defer close(r.done)
	defer p.detach(r)

	for {
		var exited <-chan struct{}
		if r.exitedAt.IsZero() {
			exited = r.sess.Exited()
		}

		var (
			cause liveness.Cause
			err   error
			fault bool
		)
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.restart:
			if req.gen != r.gen.Load() {
				continue
			}
			cause, err, fault = req.cause, req.err, true
		case <-exited:
			r.exitedAt = p.clock.Now()
			p.log.Info("capture process exited, draining output", "session", r.currentSessionID())
			continue
		case <-p.clock.After(p.cfg.CheckInterval):
			cause, fault = p.check(r)
		}
		if !fault {
			continue
		}
		if !p.handleFault(r, cause, err) {
			return
		}
	}
}

// check runs the periodic liveness tests. Both only fire once the consumer
// has drained the buffer, so a slow consumer is never mistaken for a stall.
func (p *Pipeline) check(r *run) (liveness.Cause, bool) {
	if p.buf.Len() > 0 {
		return 0, false
	}
	if !r.exitedAt.IsZero() && p.clock.Now().Sub(r.exitedAt) > p.cfg.ExitGrace {
		return liveness.CauseProcessExit, true
	}
	if p.ctrl.Stale() {
		return liveness.CauseStall, true
	}
	return 0, false
}

// handleFault applies one fault. It returns false when the run is over.
func (p *Pipeline) handleFault(r *run, cause liveness.Cause, err error) bool {
	for {
		p.metrics.RecordFault(cause)
		decision := p.ctrl.Fault(cause)
		log := p.log.With("cause", cause.String(), "session", r.currentSessionID())

		switch decision {
		case liveness.DecisionIgnore:
			return false
		case liveness.DecisionFail:
			p.detach(r)
			b := p.ctrl.Budget()
			log.Error("retry budget exhausted, pipeline failed",
				"error", err, "attempts", b.AttemptsUsed, "max", b.MaxAttempts)
			r.halt()
			return false
		}

		b := p.ctrl.Budget()
		log.Warn("restarting pipeline", "error", err, "attempt", b.AttemptsUsed, "max", b.MaxAttempts)
		p.metrics.Restarts.Add(1)

		p.detach(r)
		if n := p.buf.Flush(); n > 0 {
			p.metrics.FramesFlushed.Add(uint64(n))
			log.Debug("flushed buffered frames", "count", n)
		}
		p.metrics.BufferDepth.Store(0)

		select {
		case <-p.clock.After(p.cfg.Cooldown):
		case <-r.ctx.Done():
			return false
		}

		sess, lerr := p.launcher.Launch(r.ctx, r.geom)
		if lerr == nil {
			if r.ctx.Err() != nil {
				sess.Close()
				return false
			}
			p.ctrl.Relaunched()
			p.attach(r, sess)
			log.Info("pipeline relaunched", "new_session", sess.SessionID())
			return true
		}
		if r.ctx.Err() != nil {
			return false
		}
		cause, err = liveness.CauseLaunchFailed, lerr
	}
}
