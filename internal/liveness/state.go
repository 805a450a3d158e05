// Package liveness holds the pipeline state machine, the retry budget, and
// the staleness check that decides when the capture chain must be relaunched.
// Transitions are deterministic and driven by an injectable Clock so they
// can be exercised without real sleeps.
package liveness

// State is the lifecycle state of an acquisition pipeline.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the pipeline owns live processes or is about to.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateRestarting
}

// Cause identifies why a restart was requested.
type Cause int

const (
	CauseEndOfStream Cause = iota
	CausePartialFrame
	CauseStall
	CauseProcessExit
	CauseLaunchFailed
)

func (c Cause) String() string {
	switch c {
	case CauseEndOfStream:
		return "end_of_stream"
	case CausePartialFrame:
		return "partial_frame"
	case CauseStall:
		return "stall"
	case CauseProcessExit:
		return "process_exit"
	case CauseLaunchFailed:
		return "launch_failed"
	default:
		return "unknown"
	}
}

// RetryBudget counts relaunch attempts since the last successful Start.
type RetryBudget struct {
	AttemptsUsed int `json:"attemptsUsed"`
	MaxAttempts  int `json:"maxAttempts"`
}

// Exhausted reports whether no relaunch attempt remains.
func (b RetryBudget) Exhausted() bool {
	return b.AttemptsUsed >= b.MaxAttempts
}

// Consume takes one attempt, returning false if the budget was exhausted.
func (b *RetryBudget) Consume() bool {
	if b.Exhausted() {
		return false
	}
	b.AttemptsUsed++
	return true
}

// Reset clears used attempts and sets a new maximum.
func (b *RetryBudget) Reset(maxAttempts int) {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	b.AttemptsUsed = 0
	b.MaxAttempts = maxAttempts
}
