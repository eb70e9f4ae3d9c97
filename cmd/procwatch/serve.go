package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/config"
	"github.com/loykin/procwatch/internal/history"
	"github.com/loykin/procwatch/internal/history/factory"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/server"
	"github.com/loykin/procwatch/internal/supervisor"
	ptls "github.com/loykin/procwatch/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// daemon bundles everything serve starts so it can be torn down in order.
type daemon struct {
	logger  *slog.Logger
	mgr     *manager.Manager
	router  *server.Router
	servers []*http.Server
	sinks   []history.Sink
	unsubs  []func()
	release func()
	stopped atomic.Bool
}

// runServe starts the daemon described by the config at path and blocks
// until ctx is cancelled.
func runServe(ctx context.Context, path string, opts manager.Options) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := startDaemon(cfg, opts)
	if err != nil {
		return err
	}
	defer d.stop()

	if path != "" {
		if err := config.Watch(path, d.logger, d.reload); err != nil {
			d.logger.Warn("config hot reload disabled", "error", err)
		}
	}

	<-ctx.Done()
	d.logger.Info("shutting down")
	return nil
}

func startDaemon(cfg *config.Config, opts manager.Options) (*daemon, error) {
	log := cfg.Log.NewSlogger()
	release, err := acquireLock(cfg.Server.LockFile)
	if err != nil {
		return nil, err
	}
	d := &daemon{logger: log, release: release}
	ok := false
	defer func() {
		if !ok {
			d.stop()
		}
	}()

	if opts.Logger == nil {
		opts.Logger = log
	}
	if opts.Notifier == nil {
		nopts := cfg.Notify
		nopts.Logger = log
		opts.Notifier = notify.New(nopts)
	}
	opts.Telegram = cfg.Telegram
	d.mgr = manager.New(opts)

	kvs, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	if err := d.mgr.SetGlobalEnv(kvs); err != nil {
		return nil, err
	}

	d.unsubs = append(d.unsubs, d.mgr.Subscribe(eventLogger(log)))

	var querier history.Querier
	for _, dsn := range cfg.History.Sinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		d.sinks = append(d.sinks, sink)
		d.unsubs = append(d.unsubs, d.mgr.Subscribe(history.NewRecorder(sink, log, cfg.History.IncludeStats)))
		if q, ok := sink.(history.Querier); ok && querier == nil {
			querier = q
		}
	}

	var routerOpts []server.Option
	routerOpts = append(routerOpts, server.WithLogger(log))
	if querier != nil {
		routerOpts = append(routerOpts, server.WithHistory(querier))
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.Listen == "" {
			routerOpts = append(routerOpts, server.WithMetrics(metrics.Handler()))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			ms := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", "error", err)
				}
			}()
			d.servers = append(d.servers, ms)
		}
	}

	applyTargets(d.mgr, cfg, log)

	if cfg.Server.Enabled {
		tc, err := ptls.Setup(cfg.Server.TLS)
		if err != nil {
			return nil, err
		}
		if cfg.Server.Auth.Enabled {
			svc, err := auth.NewService(cfg.Server.Auth)
			if err != nil {
				return nil, err
			}
			routerOpts = append(routerOpts, server.WithAuth(svc))
		}
		d.router = server.NewRouter(d.mgr, cfg.Server.BasePath, routerOpts...)
		d.servers = append(d.servers, server.NewServer(cfg.Server.Listen, d.router, tc))
		log.Info("procwatch API listening", "addr", cfg.Server.Listen,
			"base_path", cfg.Server.BasePath, "tls", tc != nil, "auth", cfg.Server.Auth.Enabled)
	}
	ok = true
	return d, nil
}

func (d *daemon) reload(cfg *config.Config) {
	if d.stopped.Load() {
		return
	}
	applyTargets(d.mgr, cfg, d.logger)
}

func (d *daemon) stop() {
	if d.stopped.Swap(true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if d.router != nil {
		d.router.Close()
	}
	for _, s := range d.servers {
		_ = s.Shutdown(ctx)
	}
	if d.mgr != nil {
		d.mgr.Shutdown()
	}
	for _, u := range d.unsubs {
		u()
	}
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.logger.Warn("closing history sink", "error", err)
		}
	}
	if d.release != nil {
		d.release()
	}
}

// applyTargets registers new targets and updates stopped ones. Targets under
// supervision keep their running config. Only newly registered targets are
// autostarted, so a reload never revives a target the operator stopped.
func applyTargets(mgr *manager.Manager, cfg *config.Config, log *slog.Logger) {
	for _, t := range cfg.Targets {
		err := mgr.Register(t)
		if errors.Is(err, manager.ErrAlreadyRegistered) {
			if err := mgr.Update(t); err != nil {
				if errors.Is(err, manager.ErrTargetRunning) {
					log.Info("target is running; config change skipped", "target", t.Name)
				} else {
					log.Error("update target", "target", t.Name, "error", err)
				}
			}
			continue
		}
		if err != nil {
			log.Error("register target", "target", t.Name, "error", err)
			continue
		}
		if !t.AutoStart {
			continue
		}
		if _, err := mgr.Start(t.Name); err != nil && !errors.Is(err, manager.ErrAlreadySupervised) {
			log.Error("autostart", "target", t.Name, "error", err)
		}
	}
}

// eventLogger mirrors worker events into the daemon log.
func eventLogger(log *slog.Logger) manager.Consumer {
	return manager.ConsumerFunc(func(ev supervisor.Event) {
		switch ev.Kind {
		case supervisor.EventLog:
			log.Info(ev.Text, "target", ev.Target)
		case supervisor.EventStatus:
			if ev.Error != "" {
				log.Warn("status changed", "target", ev.Target, "status", ev.Status, "error", ev.Error)
				return
			}
			log.Info("status changed", "target", ev.Target, "status", ev.Status)
		case supervisor.EventStats:
			log.Debug("stats", "target", ev.Target, "cpu_percent", ev.Stats.CPUPercent,
				"memory_mb", ev.Stats.MemoryMB, "restarts", ev.Stats.RestartCount, "uptime", ev.Stats.Uptime)
		}
	})
}
