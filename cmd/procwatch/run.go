package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/supervisor"
	"github.com/loykin/procwatch/pkg/client"
)

// RunFlags configure a foreground supervision session.
type RunFlags struct {
	Name          string
	Interpreter   string
	WorkDir       string
	Env           []string
	MaxRestarts   int
	CheckInterval int
	Every         time.Duration
	CaptureOutput bool
	TelegramToken string
	TelegramChat  string
}

func (f RunFlags) target(path string, args []string) (supervisor.TargetConfig, error) {
	name := f.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	cfg := supervisor.TargetConfig{
		Name:          name,
		Path:          path,
		Args:          args,
		Interpreter:   f.Interpreter,
		WorkDir:       f.WorkDir,
		Env:           f.Env,
		MaxRestarts:   f.MaxRestarts,
		CheckInterval: f.CheckInterval,
		CaptureOutput: f.CaptureOutput,
		Telegram: notify.Config{
			Enabled: f.TelegramToken != "" && f.TelegramChat != "",
			Token:   f.TelegramToken,
			ChatID:  f.TelegramChat,
		},
	}
	if f.Every > 0 {
		s, err := scheduleFor(f.Every)
		if err != nil {
			return cfg, err
		}
		cfg.Schedule = s
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// scheduleFor expresses d in the largest whole unit.
func scheduleFor(d time.Duration) (supervisor.Schedule, error) {
	if d < time.Second || d%time.Second != 0 {
		return supervisor.Schedule{}, fmt.Errorf("restart interval %s must be a whole number of seconds", d)
	}
	switch {
	case d%time.Hour == 0:
		return supervisor.Schedule{Enabled: true, Value: int(d / time.Hour), Unit: supervisor.UnitHours}, nil
	case d%time.Minute == 0:
		return supervisor.Schedule{Enabled: true, Value: int(d / time.Minute), Unit: supervisor.UnitMinutes}, nil
	default:
		return supervisor.Schedule{Enabled: true, Value: int(d / time.Second), Unit: supervisor.UnitSeconds}, nil
	}
}

// runForeground supervises one executable until ctx is cancelled or the
// worker gives up, printing events to out.
func runForeground(ctx context.Context, out io.Writer, cfg supervisor.TargetConfig, opts manager.Options) error {
	mgr := manager.New(opts)
	defer mgr.Shutdown()

	var (
		mu      sync.Mutex
		lastErr string
	)
	errored := make(chan struct{})
	var once sync.Once
	mgr.Subscribe(manager.ConsumerFunc(func(ev supervisor.Event) {
		mu.Lock()
		_, _ = fmt.Fprintln(out, eventLine(toClientEvent(ev)))
		mu.Unlock()
		if ev.Kind == supervisor.EventStatus && ev.Status == supervisor.StatusErrored {
			mu.Lock()
			lastErr = ev.Error
			mu.Unlock()
			once.Do(func() { close(errored) })
		}
	}))

	if _, err := mgr.StartSupervision(cfg); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-errored:
		mu.Lock()
		defer mu.Unlock()
		return errors.New("supervision ended: " + lastErr)
	}
}

func toClientEvent(ev supervisor.Event) client.Event {
	return client.Event{
		ID:     ev.ID,
		Kind:   string(ev.Kind),
		Target: ev.Target,
		Time:   ev.Time,
		Text:   ev.Text,
		Status: string(ev.Status),
		Stats: client.StatSample{
			CPUPercent:   ev.Stats.CPUPercent,
			MemoryMB:     ev.Stats.MemoryMB,
			RestartCount: ev.Stats.RestartCount,
			Uptime:       ev.Stats.Uptime,
		},
		Error: ev.Error,
	}
}
