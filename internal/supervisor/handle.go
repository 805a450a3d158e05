package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killTimeout bounds the wait for a process to be reaped after SIGKILL.
const killTimeout = 2 * time.Second

// stderrLinger is how long the stderr drain may keep reading after its
// process exited. Helpers that inherited the pipe can hold it open forever,
// so the read end is closed after this.
const stderrLinger = 200 * time.Millisecond

// Member is one link of the capture chain: a spawned process or an
// in-process stream source.
type Member interface {
	Name() string
	// Done is closed once the member has stopped producing output.
	Done() <-chan struct{}
	// Terminate stops the member, escalating after grace. It is safe to call
	// more than once and after the member exited on its own.
	Terminate(grace time.Duration) error
}

// Command describes an external executable.
type Command struct {
	Name string // diagnostic name, e.g. "scrcpy"
	Path string
	Args []string
	Env  []string // appended to the parent's environment
}

// Handle tracks one spawned process. Its stderr is drained line by line
// into the logger for the lifetime of the process.
type Handle struct {
	log  *slog.Logger
	name string
	cmd  *exec.Cmd

	done    chan struct{}
	drained chan struct{}

	stderr     *os.File
	stderrOnce sync.Once

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// StartProcess spawns c with the given stdin and stdout. Either may be nil,
// in which case the null device is used. The caller keeps ownership of the
// files passed in; the child holds its own descriptors.
func StartProcess(c Command, stdin, stdout *os.File, log *slog.Logger) (*Handle, error) {
	if log == nil {
		log = slog.Default()
	}
	name := c.Name
	if name == "" {
		name = c.Path
	}

	cmd := exec.Command(c.Path, c.Args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)

	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		errR.Close()
		errW.Close()
		return nil, err
	}
	errW.Close()

	h := &Handle{
		log:      log.With("component", name, "pid", cmd.Process.Pid),
		name:     name,
		cmd:      cmd,
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		stderr:   errR,
		exitCode: -1,
	}
	h.log.Info("process started", "path", c.Path, "args", c.Args)

	go h.drain()
	go h.wait()
	return h, nil
}

// Name returns the diagnostic name.
func (h *Handle) Name() string { return h.name }

// Pid returns the operating system process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Done is closed when the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Running reports whether the process has not exited yet.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err returns the error reported by Wait, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exitErr = err
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Unlock()

	h.log.Info("process exited", "code", h.ExitCode(), "error", err)
	close(h.done)

	select {
	case <-h.drained:
	case <-time.After(stderrLinger):
		h.closeStderr()
	}
}

func (h *Handle) closeStderr() {
	h.stderrOnce.Do(func() { h.stderr.Close() })
}

// drain forwards stderr lines to the logger. It never writes to the child,
// so a slow logger cannot stall the process beyond the pipe buffer.
func (h *Handle) drain() {
	defer close(h.drained)
	defer h.closeStderr()

	sc := bufio.NewScanner(h.stderr)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		h.log.Info("stderr", "line", string(line))
	}
	err := sc.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// Keep the pipe empty so the child never blocks on a write.
		_, err = io.Copy(io.Discard, h.stderr)
	}
	if err != nil && !errors.Is(err, os.ErrClosed) {
		h.log.Debug("stderr drain ended", "error", err)
	}
}

// scanLines splits on '\n' or '\r'. Transcoders rewrite progress lines with
// a bare carriage return.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL. An error means the process could not be confirmed dead.
func (h *Handle) Terminate(grace time.Duration) error {
	if !h.Running() {
		return nil
	}

	if err := signalTerm(h.cmd.Process); err != nil {
		h.log.Debug("terminate signal failed", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.log.Warn("process ignored terminate, killing", "grace", grace)
	if err := signalKill(h.cmd.Process); err != nil {
		h.log.Error("kill failed", "error", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killTimeout):
		h.log.Error("process survived kill", "pid", h.Pid())
		return fmt.Errorf("supervisor: %s (pid %d) still running after kill", h.name, h.Pid())
	}
}
