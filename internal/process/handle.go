package process

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// KillWait bounds how long Stop waits for the reaper after a forced kill.
var KillWait = 2 * time.Second

// waitDelay bounds cmd.Wait once the child is gone but grandchildren still
// hold its stdout/stderr pipes open.
const waitDelay = 2 * time.Second

// Options describes one launch of a target executable.
type Options struct {
	Path        string
	Args        []string
	Interpreter string // optional, e.g. "python3"; Path becomes its first argument
	WorkDir     string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	// Closers are closed once the process has exited and its output is drained.
	Closers []io.Closer
}

// Handle wraps a single spawned OS process. A reaper goroutine owns cmd.Wait,
// so liveness is a non-blocking channel poll.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Spawn launches the executable described by opts in its own process group.
func Spawn(opts Options) (*Handle, error) {
	cmd := buildCommand(opts)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	var null *os.File
	if opts.Stdout == nil || opts.Stderr == nil {
		null, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	cmd.Stdout = writerOr(opts.Stdout, null)
	cmd.Stderr = writerOr(opts.Stderr, null)

	if err := cmd.Start(); err != nil {
		if null != nil {
			_ = null.Close()
		}
		closeAll(opts.Closers)
		return nil, &SpawnError{Path: opts.Path, Err: err}
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		if null != nil {
			_ = null.Close()
		}
		closeAll(opts.Closers)
		close(h.done)
	}()
	return h, nil
}

func buildCommand(opts Options) *exec.Cmd {
	if opts.Interpreter != "" {
		args := append([]string{opts.Path}, opts.Args...)
		// #nosec G204 -- the operator configures what gets supervised
		return exec.Command(opts.Interpreter, args...)
	}
	// #nosec G204
	return exec.Command(opts.Path, opts.Args...)
}

func writerOr(w io.Writer, null *os.File) io.Writer {
	if w != nil {
		return w
	}
	if null == nil {
		return nil
	}
	return null
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process is still running. It never blocks.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the error reported by cmd.Wait, or nil while running.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stop asks the process group to terminate, waits up to grace and then
// escalates to a forced kill. It returns once the process is reaped or
// KillWait has elapsed after the kill, whichever comes first.
func (h *Handle) Stop(grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	_ = terminate(h.pid)
	if grace > 0 {
		t := time.NewTimer(grace)
		select {
		case <-h.done:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	_ = kill(h.pid)
	t := time.NewTimer(KillWait)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		// best-effort
	}
	return nil
}
