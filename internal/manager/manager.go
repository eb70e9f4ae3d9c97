package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/procwatch/internal/env"
	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/supervisor"
)

const testMessage = "✅ Test message"

// Options configure a Manager. Every field is optional.
type Options struct {
	Logger   *slog.Logger
	Notifier *notify.Dispatcher
	// Telegram is used for targets that have no Telegram settings of their own.
	Telegram notify.Config

	Spawn        supervisor.SpawnFunc
	Introspector metrics.Introspector
	HistorySize  int

	TickInterval time.Duration
	StopGrace    time.Duration
	RestartGrace time.Duration
}

// Manager owns the registered targets and their workers.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	notifier *notify.Dispatcher
	env      *env.Env
	hub      *Hub

	unsubStats func()

	mu      sync.Mutex
	targets map[string]*entry
}

type entry struct {
	cfg      supervisor.TargetConfig
	worker   *supervisor.Worker
	restarts int // baseline for the next session when worker is nil
	stats    *metrics.Ring
	// removing is set while Unregister waits for the worker to stop; the
	// entry stays in the map so the name cannot be reused until then.
	removing bool
}

func (e *entry) live() bool {
	if e.worker == nil {
		return false
	}
	select {
	case <-e.worker.Done():
		return false
	default:
		return true
	}
}

func (e *entry) baseline() int {
	if e.worker != nil {
		return e.worker.Snapshot().RestartCount
	}
	return e.restarts
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.New(notify.Options{Logger: opts.Logger})
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = metrics.DefaultHistorySize
	}
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		notifier: opts.Notifier,
		env:      env.New(),
		hub:      NewHub(opts.Logger),
		targets:  make(map[string]*entry),
	}
	m.unsubStats = m.hub.Subscribe(ConsumerFunc(m.recordStats))
	return m
}

// Subscribe registers a consumer for every worker's events.
func (m *Manager) Subscribe(c Consumer) func() { return m.hub.Subscribe(c) }

// SetGlobalEnv merges "KEY=VALUE" entries into the environment of every target
// started afterwards.
func (m *Manager) SetGlobalEnv(kvs []string) error {
	return m.env.SetAll(kvs)
}

// Register adds a target without starting it.
func (m *Manager) Register(cfg supervisor.TargetConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.targets[cfg.Name]; ok {
		if e.removing {
			return fmt.Errorf("%w: %s", ErrUnregistering, cfg.Name)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.Name)
	}
	m.targets[cfg.Name] = &entry{cfg: cfg.Clone(), stats: metrics.NewRing(m.opts.HistorySize)}
	return nil
}

// Update replaces the config of a target that is not being supervised.
func (m *Manager) Update(cfg supervisor.TargetConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[cfg.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, cfg.Name)
	}
	if e.removing {
		return fmt.Errorf("%w: %s", ErrUnregistering, cfg.Name)
	}
	if e.live() {
		return fmt.Errorf("%w: %s", ErrTargetRunning, cfg.Name)
	}
	e.cfg = cfg.Clone()
	return nil
}

// Unregister stops the target if needed and forgets it, restart count included.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	e, ok := m.targets[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	if e.removing {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnregistering, name)
	}
	e.removing = true
	w := e.worker
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}

	m.mu.Lock()
	if m.targets[name] == e {
		delete(m.targets, name)
	}
	m.mu.Unlock()
	metrics.Forget(name)
	return nil
}

// Targets returns the registered configs sorted by name.
func (m *Manager) Targets() []supervisor.TargetConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]supervisor.TargetConfig, 0, len(m.targets))
	for _, e := range m.targets {
		out = append(out, e.cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Get(name string) (supervisor.TargetConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[name]
	if !ok {
		return supervisor.TargetConfig{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return e.cfg.Clone(), nil
}

// StartSupervision registers or updates cfg and starts a worker for it.
func (m *Manager) StartSupervision(cfg supervisor.TargetConfig) (*supervisor.Worker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[cfg.Name]
	if !ok {
		e = &entry{stats: metrics.NewRing(m.opts.HistorySize)}
		m.targets[cfg.Name] = e
	} else if e.removing {
		return nil, fmt.Errorf("%w: %s", ErrUnregistering, cfg.Name)
	} else if e.live() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySupervised, cfg.Name)
	}
	e.cfg = cfg.Clone()
	return m.startLocked(e), nil
}

// Start starts supervision of a registered target.
func (m *Manager) Start(name string) (*supervisor.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	if e.removing {
		return nil, fmt.Errorf("%w: %s", ErrUnregistering, name)
	}
	if e.live() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySupervised, name)
	}
	return m.startLocked(e), nil
}

func (m *Manager) startLocked(e *entry) *supervisor.Worker {
	if e.worker != nil {
		// an errored worker still needs its terminal Stopped transition
		e.worker.Stop()
	}
	e.restarts = e.baseline()
	cfg := e.cfg.Clone()
	if !cfg.Telegram.Configured() && m.opts.Telegram.Configured() {
		cfg.Telegram = m.opts.Telegram
	}
	w := supervisor.NewWorker(supervisor.Options{
		Config:          cfg,
		InitialRestarts: e.restarts,
		Env:             m.env.Merge(cfg.Env),
		Spawn:           m.opts.Spawn,
		Introspector:    m.opts.Introspector,
		Notifier:        m.notifier,
		Emit:            m.hub.Publish,
		Output:          outputFor(cfg),
		Logger:          m.logger,
		TickInterval:    m.opts.TickInterval,
		StopGrace:       m.opts.StopGrace,
		RestartGrace:    m.opts.RestartGrace,
	})
	e.worker = w
	w.Start()
	return w
}

func outputFor(cfg supervisor.TargetConfig) supervisor.OutputFunc {
	if !cfg.Log.Enabled() {
		return nil
	}
	return func(name string) (io.Writer, io.Writer, []io.Closer, error) {
		o, e, err := cfg.Log.Writers(name)
		if err != nil {
			return nil, nil, nil, err
		}
		var stdout, stderr io.Writer
		var closers []io.Closer
		if o != nil {
			stdout = o
			closers = append(closers, o)
		}
		if e != nil {
			stderr = e
			closers = append(closers, e)
		}
		return stdout, stderr, closers, nil
	}
}

// StopSupervision stops the target's worker. Stopping a target that is not
// running is a no-op.
func (m *Manager) StopSupervision(name string) error {
	m.mu.Lock()
	e, ok := m.targets[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	w := e.worker
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	return nil
}

// ResetRestarts clears the carried restart count of a stopped target.
func (m *Manager) ResetRestarts(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	if e.removing {
		return fmt.Errorf("%w: %s", ErrUnregistering, name)
	}
	if e.live() {
		return fmt.Errorf("%w: %s", ErrTargetRunning, name)
	}
	if e.worker != nil {
		e.worker.Stop()
		e.worker = nil
	}
	e.restarts = 0
	metrics.SetRestartCount(name, 0)
	return nil
}

// Status returns the runtime state of one target.
func (m *Manager) Status(name string) (supervisor.RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[name]
	if !ok {
		return supervisor.RuntimeState{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return statusOf(e), nil
}

func (m *Manager) StatusAll() []supervisor.RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]supervisor.RuntimeState, 0, len(m.targets))
	for _, e := range m.targets {
		out = append(out, statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusOf(e *entry) supervisor.RuntimeState {
	if e.worker != nil {
		return e.worker.Snapshot()
	}
	return supervisor.RuntimeState{
		Name:         e.cfg.Name,
		Status:       supervisor.StatusStopped,
		RestartCount: e.restarts,
		MaxRestarts:  e.cfg.MaxRestarts,
	}
}

// StatsHistory returns the recent stat samples of a target, oldest first.
func (m *Manager) StatsHistory(name string) ([]metrics.Point, error) {
	m.mu.Lock()
	e, ok := m.targets[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return e.stats.Snapshot(), nil
}

func (m *Manager) recordStats(ev supervisor.Event) {
	if ev.Kind != supervisor.EventStats {
		return
	}
	m.mu.Lock()
	e, ok := m.targets[ev.Target]
	m.mu.Unlock()
	if ok {
		e.stats.Add(metrics.Point{At: ev.Time, Sample: ev.Stats})
	}
}

// TestNotification sends a test push with the target's Telegram settings and
// reports whether it was delivered.
func (m *Manager) TestNotification(ctx context.Context, name string) error {
	cfg, err := m.Get(name)
	if err != nil {
		return err
	}
	tg := cfg.Telegram
	if !tg.Configured() {
		tg = m.opts.Telegram
	}
	if err := m.notifier.Send(ctx, tg, testMessage); err != nil {
		if errors.Is(err, notify.ErrNotConfigured) {
			return fmt.Errorf("%w: %s", ErrNotifierNotEnabled, name)
		}
		return err
	}
	return nil
}

// Shutdown stops every worker concurrently, then drains consumers and
// pending notifications.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var workers []*supervisor.Worker
	for _, e := range m.targets {
		if e.worker != nil {
			workers = append(workers, e.worker)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *supervisor.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	m.hub.Close()
	m.notifier.Close()
}
