package pipeline

import (
	"context"
	"io"

	"github.com/zsiec/mirrorpipe/internal/media"
	"github.com/zsiec/mirrorpipe/internal/supervisor"
)

// Session is one launched capture chain as seen by the pipeline.
type Session interface {
	SessionID() string
	// Output carries raw frame records.
	Output() io.Reader
	// Exited is closed when any process in the chain stops.
	Exited() <-chan struct{}
	// Close unblocks pending reads on Output and tears the chain down.
	Close() error
}

// Launcher starts capture chains. Errors are *supervisor.LaunchError.
type Launcher interface {
	Launch(ctx context.Context, g media.FrameGeometry) (Session, error)
}

type supervisorLauncher struct {
	s *supervisor.Supervisor
}

// SupervisorLauncher adapts a Supervisor to the Launcher interface.
func SupervisorLauncher(s *supervisor.Supervisor) Launcher {
	return supervisorLauncher{s: s}
}

func (l supervisorLauncher) Launch(ctx context.Context, g media.FrameGeometry) (Session, error) {
	p, err := l.s.Launch(ctx, g)
	if err != nil {
		return nil, err
	}
	return p, nil
}
