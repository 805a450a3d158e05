//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// Interrupt is unsupported for child processes on Windows; fall straight
// through to Kill.
func signalTerm(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}

func signalKill(p *os.Process) error {
	return p.Kill()
}
