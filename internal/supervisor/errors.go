package supervisor

import (
	"errors"
	"fmt"
)

// ErrLaunch matches every *LaunchError via errors.Is.
var ErrLaunch = errors.New("supervisor: launch failed")

// LaunchError reports a failure to spawn or wire one member of the chain.
// Anything started before the failure has already been torn down.
type LaunchError struct {
	Process string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("supervisor: launch %s: %v", e.Process, e.Err)
}

func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
