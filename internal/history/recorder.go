package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/procwatch/internal/supervisor"
)

const sendTimeout = 5 * time.Second

// Recorder persists worker events into a Sink. It satisfies the manager's
// Consumer interface. Stats events are skipped unless IncludeStats is set.
type Recorder struct {
	sink         Sink
	logger       *slog.Logger
	includeStats bool
}

func NewRecorder(sink Sink, logger *slog.Logger, includeStats bool) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, includeStats: includeStats}
}

func (r *Recorder) Consume(ev supervisor.Event) {
	if ev.Kind == supervisor.EventStats && !r.includeStats {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, FromEvent(ev)); err != nil {
		r.logger.Warn("history sink write failed", "target", ev.Target, "kind", ev.Kind, "error", err)
	}
}
