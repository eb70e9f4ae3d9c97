package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/process"
)

const (
	DefaultStopGrace    = 3 * time.Second
	DefaultRestartGrace = 5 * time.Second
)

// Process is the part of a spawned process the worker drives.
type Process interface {
	PID() int
	Alive() bool
	Stop(grace time.Duration) error
}

// SpawnFunc launches one process.
type SpawnFunc func(process.Options) (Process, error)

// Spawn is the default SpawnFunc backed by internal/process.
func Spawn(opts process.Options) (Process, error) {
	h, err := process.Spawn(opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Notifier delivers best-effort push messages.
type Notifier interface {
	Notify(cfg notify.Config, msg string)
}

// OutputFunc opens the raw output destinations for one spawn. Returned
// closers are closed once that process exits.
type OutputFunc func(name string) (stdout, stderr io.Writer, closers []io.Closer, err error)

// Options wire a Worker to its collaborators. Only Config is required.
type Options struct {
	Config          TargetConfig
	InitialRestarts int
	Env             []string // full environment for the child; nil inherits the daemon's

	Spawn        SpawnFunc
	Introspector metrics.Introspector
	Notifier     Notifier
	Emit         Emitter
	Output       OutputFunc
	Logger       *slog.Logger
	Now          func() time.Time

	// TickInterval overrides Config.CheckInterval when positive.
	TickInterval time.Duration
	StopGrace    time.Duration
	RestartGrace time.Duration
}

// Worker supervises one target on its own goroutine.
type Worker struct {
	cfg      TargetConfig
	env      []string
	spawn    SpawnFunc
	sampler  *metrics.Sampler
	notifier Notifier
	emit     Emitter
	output   OutputFunc
	logger   *slog.Logger
	now      func() time.Time

	tick         time.Duration
	stopGrace    time.Duration
	restartGrace time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopMu    sync.Mutex

	// proc is touched only by the loop goroutine.
	proc Process

	mu    sync.RWMutex
	state RuntimeState
}

// NewWorker builds a stopped worker. Call Start to begin supervising.
func NewWorker(opts Options) *Worker {
	cfg := opts.Config.WithDefaults().Clone()
	w := &Worker{
		cfg:          cfg,
		env:          opts.Env,
		spawn:        opts.Spawn,
		notifier:     opts.Notifier,
		emit:         opts.Emit,
		output:       opts.Output,
		logger:       opts.Logger,
		now:          opts.Now,
		tick:         opts.TickInterval,
		stopGrace:    opts.StopGrace,
		restartGrace: opts.RestartGrace,
		done:         make(chan struct{}),
	}
	if w.spawn == nil {
		w.spawn = Spawn
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("target", cfg.Name)
	if w.now == nil {
		w.now = time.Now
	}
	if w.tick <= 0 {
		w.tick = checkTick(cfg.CheckInterval)
	}
	if w.stopGrace <= 0 {
		w.stopGrace = DefaultStopGrace
	}
	if w.restartGrace <= 0 {
		w.restartGrace = DefaultRestartGrace
	}
	w.sampler = metrics.NewSampler(opts.Introspector, w.logger).WithClock(w.now)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.state = RuntimeState{
		Name:         cfg.Name,
		Status:       StatusStopped,
		RestartCount: opts.InitialRestarts,
		MaxRestarts:  cfg.MaxRestarts,
	}
	return w
}

func (w *Worker) Name() string         { return w.cfg.Name }
func (w *Worker) Config() TargetConfig { return w.cfg.Clone() }

// Done is closed when the supervision loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Snapshot returns a consistent copy of the runtime state.
func (w *Worker) Snapshot() RuntimeState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.clone()
}

// Start launches the supervision loop. Calls after the first, or after Stop,
// are ignored.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		for _, s := range allStatuses {
			metrics.SetCurrentState(w.cfg.Name, string(s), s == StatusStopped)
		}
		go w.run()
	})
}

// Stop cancels the loop, waits for it to stop the current process and exit,
// and leaves the worker Stopped. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	w.cancel()
	// never started: make sure it never will
	w.startOnce.Do(func() { close(w.done) })
	<-w.done
	if w.Snapshot().Status == StatusErrored {
		w.logLine(slog.LevelInfo, fmt.Sprintf("🛑 Stopped monitoring: %s", w.cfg.Name))
		w.setStatus(StatusStopped, nil)
	}
}

func (w *Worker) stopping() bool { return w.ctx.Err() != nil }

func (w *Worker) run() {
	defer close(w.done)
	defer w.recoverLoop()

	w.logLine(slog.LevelInfo, fmt.Sprintf("🚀 Starting monitoring: %s", w.cfg.Name))
	w.setStatus(StatusStarting, nil)
	if w.stopping() {
		w.finish()
		return
	}
	if err := w.startProcess(); err != nil {
		w.setStatus(StatusErrored, err)
		return
	}
	if w.stopping() {
		w.finish()
		return
	}
	w.setStatus(StatusRunning, nil)

	timer := time.NewTimer(w.tick)
	defer timer.Stop()
	for {
		select {
		case <-w.ctx.Done():
			w.finish()
			return
		case <-timer.C:
		}
		if w.stopping() {
			w.finish()
			return
		}
		if exit := w.tickOnce(); exit {
			return
		}
		timer.Reset(w.tick)
	}
}

func (w *Worker) recoverLoop() {
	r := recover()
	if r == nil {
		return
	}
	w.stopProcess(w.stopGrace)
	msg := fmt.Sprintf("❌ Monitoring error: %v", r)
	w.logLine(slog.LevelError, msg)
	w.push(msg)
	w.setStatus(StatusErrored, fmt.Errorf("monitoring error: %v", r))
}

// tickOnce applies the restart policy and samples stats. It reports whether
// the loop has ended.
func (w *Worker) tickOnce() bool {
	st := w.Snapshot()
	alive := w.proc != nil && w.proc.Alive()
	decision := Decide(PolicyInput{
		Now:             w.now(),
		Alive:           alive,
		Stopping:        w.stopping(),
		RestartCount:    st.RestartCount,
		MaxRestarts:     w.cfg.MaxRestarts,
		ScheduleEnabled: w.cfg.Schedule.Enabled,
		NextScheduled:   st.NextScheduledRestartAt,
	})

	switch decision {
	case DecisionScheduled:
		msg := fmt.Sprintf("🔄 Scheduled restart: %s", w.cfg.Name)
		w.logLine(slog.LevelInfo, msg)
		w.push(msg)
		w.setStatus(StatusRestarting, nil)
		w.stopProcess(w.restartGrace)
		if w.stopping() {
			w.finish()
			return true
		}
		if err := w.startProcess(); err != nil {
			w.setStatus(StatusErrored, &ScheduledRestartError{Err: err})
			return true
		}
		metrics.IncScheduledRestart(w.cfg.Name)
		return w.afterRestart()

	case DecisionCrash:
		msg := fmt.Sprintf("⚠️ %s crashed, restarting...", w.cfg.Name)
		w.logLine(slog.LevelWarn, msg)
		w.push(msg)
		w.setStatus(StatusCrashed, nil)
		w.mu.Lock()
		w.state.RestartCount++
		n := w.state.RestartCount
		w.mu.Unlock()
		metrics.SetRestartCount(w.cfg.Name, n)
		w.setStatus(StatusRestarting, nil)
		w.stopProcess(w.restartGrace)
		if w.stopping() {
			w.finish()
			return true
		}
		if err := w.startProcess(); err != nil {
			w.setStatus(StatusErrored, err)
			return true
		}
		metrics.IncCrashRestart(w.cfg.Name)
		return w.afterRestart()

	case DecisionLimitExceeded:
		w.setStatus(StatusCrashed, nil)
		msg := fmt.Sprintf("⛔ Restart limit reached for %s", w.cfg.Name)
		w.logLine(slog.LevelError, msg)
		w.push(msg)
		w.stopProcess(w.restartGrace)
		w.setStatus(StatusErrored, ErrRestartLimitExceeded)
		return true
	}

	w.sampleStats()
	return false
}

func (w *Worker) afterRestart() bool {
	if w.stopping() {
		w.finish()
		return true
	}
	w.setStatus(StatusRunning, nil)
	return false
}

// startProcess spawns a new process, replacing the previous handle.
func (w *Worker) startProcess() error {
	opts := process.Options{
		Path:        w.cfg.Path,
		Args:        w.cfg.Args,
		Interpreter: w.cfg.Interpreter,
		WorkDir:     w.cfg.WorkDir,
		Env:         w.env,
	}
	if err := w.attachOutput(&opts); err != nil {
		w.logger.Warn("open output files", "error", err)
	}

	proc, err := w.spawn(opts)
	if err != nil {
		metrics.IncSpawnFailure(w.cfg.Name)
		msg := fmt.Sprintf("❌ Start error: %v", err)
		w.logLine(slog.LevelError, msg)
		w.push(msg)
		w.mu.Lock()
		w.proc = nil
		w.state.PID = 0
		w.state.NextScheduledRestartAt = nil
		w.mu.Unlock()
		return err
	}

	now := w.now()
	w.mu.Lock()
	w.proc = proc
	w.state.PID = proc.PID()
	w.state.StartTime = now
	w.state.NextScheduledRestartAt = NextScheduledRestart(w.cfg.Schedule, now)
	w.state.LastError = ""
	w.mu.Unlock()

	metrics.IncStart(w.cfg.Name)
	msg := fmt.Sprintf("✅ Started: %s", w.cfg.Name)
	w.logLine(slog.LevelInfo, msg, "pid", proc.PID())
	w.push(msg)
	return nil
}

func (w *Worker) attachOutput(opts *process.Options) error {
	var stdout, stderr []io.Writer
	if w.output != nil {
		o, e, closers, err := w.output(w.cfg.Name)
		if err != nil {
			return err
		}
		if o != nil {
			stdout = append(stdout, o)
		}
		if e != nil {
			stderr = append(stderr, e)
		}
		opts.Closers = append(opts.Closers, closers...)
	}
	if w.cfg.CaptureOutput {
		lo := newLineWriter(func(line string) { w.emitLog("[stdout] " + line) })
		le := newLineWriter(func(line string) { w.emitLog("[stderr] " + line) })
		stdout = append(stdout, lo)
		stderr = append(stderr, le)
		opts.Closers = append(opts.Closers, lo, le)
	}
	opts.Stdout = joinWriters(stdout)
	opts.Stderr = joinWriters(stderr)
	return nil
}

func joinWriters(ws []io.Writer) io.Writer {
	switch len(ws) {
	case 0:
		return nil
	case 1:
		return ws[0]
	default:
		return io.MultiWriter(ws...)
	}
}

func (w *Worker) stopProcess(grace time.Duration) {
	if w.proc == nil {
		return
	}
	if err := w.proc.Stop(grace); err != nil {
		w.logger.Debug("stop process", "pid", w.proc.PID(), "error", err)
	}
}

// finish is the cooperative-stop exit path of the loop.
func (w *Worker) finish() {
	w.stopProcess(w.stopGrace)
	w.mu.Lock()
	w.proc = nil
	w.state.PID = 0
	w.state.NextScheduledRestartAt = nil
	w.mu.Unlock()
	metrics.IncStop(w.cfg.Name)
	msg := fmt.Sprintf("🛑 Stopped monitoring: %s", w.cfg.Name)
	w.logLine(slog.LevelInfo, msg)
	w.push(msg)
	w.setStatus(StatusStopped, nil)
}

func (w *Worker) sampleStats() {
	if w.stopping() {
		return
	}
	st := w.Snapshot()
	var target metrics.Target
	if w.proc != nil {
		target = w.proc
	}
	s := w.sampler.Sample(target, st.StartTime)
	s.RestartCount = st.RestartCount
	metrics.ObserveSample(w.cfg.Name, s)
	if s.SameUsage(st.LastStats) && st.LastStats.Uptime != "" {
		return
	}
	w.mu.Lock()
	w.state.LastStats = s
	w.mu.Unlock()
	w.publish(Event{Kind: EventStats, Stats: s})
}

// setStatus records a transition and emits a status event. A nil cause keeps
// LastError unless the new status clears it.
func (w *Worker) setStatus(s Status, cause error) {
	w.mu.Lock()
	old := w.state.Status
	w.state.Status = s
	if cause != nil {
		w.state.LastError = cause.Error()
	}
	w.mu.Unlock()

	metrics.RecordStateTransition(w.cfg.Name, string(old), string(s))
	metrics.SetCurrentState(w.cfg.Name, string(old), false)
	metrics.SetCurrentState(w.cfg.Name, string(s), true)

	ev := Event{Kind: EventStatus, Status: s}
	if cause != nil {
		ev.Error = cause.Error()
	}
	w.publish(ev)
}

func (w *Worker) logLine(level slog.Level, text string, attrs ...any) {
	w.logger.Log(context.Background(), level, text, attrs...)
	w.emitLog(text)
}

func (w *Worker) emitLog(text string) {
	w.publish(Event{Kind: EventLog, Text: text})
}

func (w *Worker) publish(ev Event) {
	if w.emit == nil {
		return
	}
	ev.Target = w.cfg.Name
	ev.Time = time.Now()
	w.emit(ev)
}

func (w *Worker) push(msg string) {
	if w.notifier != nil {
		w.notifier.Notify(w.cfg.Telegram, msg)
	}
}

// checkTick converts check_interval to a tick, clamped to what a Duration holds.
func checkTick(seconds int) time.Duration {
	n := int64(seconds)
	switch {
	case n < 1:
		n = DefaultCheckInterval
	case n > MaxIntervalSeconds:
		n = MaxIntervalSeconds
	}
	return time.Duration(n) * time.Second
}
