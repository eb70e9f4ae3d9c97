package procwatch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procwatch/internal/config"
	"github.com/loykin/procwatch/internal/history"
	"github.com/loykin/procwatch/internal/history/factory"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/server"
	"github.com/loykin/procwatch/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type TargetConfig = supervisor.TargetConfig

type Schedule = supervisor.Schedule

type RuntimeState = supervisor.RuntimeState

type Status = supervisor.Status

type Event = supervisor.Event

type StatSample = metrics.StatSample

type StatPoint = metrics.Point

type Options = manager.Options

type Consumer = manager.Consumer

type ConsumerFunc = manager.ConsumerFunc

type Callbacks = manager.Callbacks

type Config = config.Config

type HistorySink = history.Sink

type NotifyOptions = notify.Options

type TelegramConfig = notify.Config

type Notifier = notify.Dispatcher

const (
	StatusStopped    = supervisor.StatusStopped
	StatusStarting   = supervisor.StatusStarting
	StatusRunning    = supervisor.StatusRunning
	StatusCrashed    = supervisor.StatusCrashed
	StatusRestarting = supervisor.StatusRestarting
	StatusErrored    = supervisor.StatusErrored
)

var (
	ErrUnknownTarget      = manager.ErrUnknownTarget
	ErrAlreadyRegistered  = manager.ErrAlreadyRegistered
	ErrAlreadySupervised  = manager.ErrAlreadySupervised
	ErrTargetRunning      = manager.ErrTargetRunning
	ErrUnregistering      = manager.ErrUnregistering
	ErrNotifierNotEnabled = manager.ErrNotifierNotEnabled
	ErrInvalidTarget      = supervisor.ErrInvalidTarget
)

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts Options) *Manager { return &Manager{inner: manager.New(opts)} }

func NewNotifier(opts NotifyOptions) *Notifier { return notify.New(opts) }

func (m *Manager) SetGlobalEnv(kvs []string) error          { return m.inner.SetGlobalEnv(kvs) }
func (m *Manager) Register(cfg TargetConfig) error          { return m.inner.Register(cfg) }
func (m *Manager) Update(cfg TargetConfig) error            { return m.inner.Update(cfg) }
func (m *Manager) Unregister(name string) error             { return m.inner.Unregister(name) }
func (m *Manager) Targets() []TargetConfig                  { return m.inner.Targets() }
func (m *Manager) Get(name string) (TargetConfig, error)    { return m.inner.Get(name) }
func (m *Manager) StopSupervision(name string) error        { return m.inner.StopSupervision(name) }
func (m *Manager) ResetRestarts(name string) error          { return m.inner.ResetRestarts(name) }
func (m *Manager) Status(name string) (RuntimeState, error) { return m.inner.Status(name) }
func (m *Manager) StatusAll() []RuntimeState                { return m.inner.StatusAll() }
func (m *Manager) Shutdown()                                { m.inner.Shutdown() }

// StartSupervision registers cfg if needed and starts supervising it.
func (m *Manager) StartSupervision(cfg TargetConfig) error {
	_, err := m.inner.StartSupervision(cfg)
	return err
}

// Start starts supervising an already registered target.
func (m *Manager) Start(name string) error {
	_, err := m.inner.Start(name)
	return err
}

func (m *Manager) StatsHistory(name string) ([]StatPoint, error) { return m.inner.StatsHistory(name) }

func (m *Manager) TestNotification(ctx context.Context, name string) error {
	return m.inner.TestNotification(ctx, name)
}

// Subscribe delivers every event to c, in order, until the returned func is called.
func (m *Manager) Subscribe(c Consumer) func() { return m.inner.Subscribe(c) }

// RecordHistory writes events to sink until the returned func is called.
// The sink is not closed.
func (m *Manager) RecordHistory(sink HistorySink, logger *slog.Logger, includeStats bool) func() {
	return m.inner.Subscribe(history.NewRecorder(sink, logger, includeStats))
}

// NewHistorySink opens a sink from a DSN such as "sqlite:///var/lib/procwatch.db",
// "postgres://...", "clickhouse://..." or "opensearch://host:9200/index".
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Handler returns the HTTP API rooted at basePath, for mounting in an
// existing gin, echo or net/http server.
func (m *Manager) Handler(basePath string) http.Handler {
	return server.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the API for m. Stop it with Shutdown.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return server.NewServer(addr, server.NewRouter(m.inner, basePath), nil)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
