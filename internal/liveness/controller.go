package liveness

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStaleThreshold is how long the pipeline may go without a new frame
// before it is considered stalled.
const DefaultStaleThreshold = 3 * time.Second

// ErrAlreadyRunning is returned by Begin while a run is active.
var ErrAlreadyRunning = errors.New("liveness: pipeline already running")

// Decision is the controller's verdict on a fault.
type Decision int

const (
	// DecisionIgnore means the fault arrived while no run was active.
	DecisionIgnore Decision = iota
	// DecisionRestart means one retry attempt was consumed; relaunch.
	DecisionRestart
	// DecisionFail means the budget is exhausted; the run is over.
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionRestart:
		return "restart"
	case DecisionFail:
		return "fail"
	default:
		return "ignore"
	}
}

// TransitionFunc observes state changes. It is called with the controller's
// lock held and must not call back into the controller.
type TransitionFunc func(from, to State)

// Controller owns the pipeline state and retry budget. State reads are
// lock-free; transitions are serialized.
type Controller struct {
	clock      Clock
	staleAfter time.Duration
	onChange   TransitionFunc

	state atomic.Int32

	mu        sync.Mutex
	budget    RetryBudget
	lastFrame time.Time
	restarts  int64
}

// NewController creates a Controller in StateStopped. A nil clock selects
// SystemClock; a non-positive staleAfter selects DefaultStaleThreshold.
func NewController(clock Clock, staleAfter time.Duration, onChange TransitionFunc) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleThreshold
	}
	return &Controller{
		clock:      clock,
		staleAfter: staleAfter,
		onChange:   onChange,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setLocked(to State) {
	from := State(c.state.Swap(int32(to)))
	if from != to && c.onChange != nil {
		c.onChange(from, to)
	}
}

// Begin moves Stopped or Failed to Starting and resets the retry budget.
func (c *Controller) Begin(maxRetries int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State().Active() {
		return ErrAlreadyRunning
	}
	c.budget.Reset(maxRetries)
	c.restarts = 0
	c.lastFrame = c.clock.Now()
	c.setLocked(StateStarting)
	return nil
}

// Abort returns a Starting run to Stopped after its initial launch failed.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateStarting {
		c.setLocked(StateStopped)
	}
}

// FrameDelivered records a frame handed to the consumer buffer. The first
// frame after a launch moves Starting to Running.
func (c *Controller) FrameDelivered() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateStarting:
		c.lastFrame = c.clock.Now()
		c.setLocked(StateRunning)
	case StateRunning:
		c.lastFrame = c.clock.Now()
	}
}

// Fault reports a desync, stall, process death, or failed relaunch. While a
// run is active it either consumes one retry attempt and enters Restarting,
// or enters Failed when no attempt remains.
func (c *Controller) Fault(cause Cause) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.State().Active() {
		return DecisionIgnore
	}
	if !c.budget.Consume() {
		c.setLocked(StateFailed)
		return DecisionFail
	}
	c.restarts++
	c.setLocked(StateRestarting)
	return DecisionRestart
}

// Relaunched moves Restarting to Starting once new processes are up. The
// staleness clock restarts from the relaunch.
func (c *Controller) Relaunched() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateRestarting {
		c.lastFrame = c.clock.Now()
		c.setLocked(StateStarting)
	}
}

// Halt moves any state to Stopped, reporting whether a run was active.
func (c *Controller) Halt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	was := c.State()
	c.setLocked(StateStopped)
	return was.Active()
}

// Stale reports whether a Starting or Running pipeline has gone longer than
// the stale threshold without delivering a frame.
func (c *Controller) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.State()
	if s != StateStarting && s != StateRunning {
		return false
	}
	return c.clock.Now().Sub(c.lastFrame) > c.staleAfter
}

// LastFrameAge returns the time since the last delivered frame (or launch).
func (c *Controller) LastFrameAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastFrame.IsZero() {
		return 0
	}
	return c.clock.Now().Sub(c.lastFrame)
}

// Budget returns a copy of the retry budget.
func (c *Controller) Budget() RetryBudget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// Restarts returns the number of relaunches decided since Begin.
func (c *Controller) Restarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}
