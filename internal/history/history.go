package history

import (
	"context"
	"time"

	"github.com/loykin/procwatch/internal/supervisor"
)

// Kind mirrors the worker event kind a record was built from.
type Kind string

const (
	KindStatus Kind = "status"
	KindLog    Kind = "log"
	KindStats  Kind = "stats"
)

// Record is one persisted lifecycle event.
type Record struct {
	ID           string    `json:"id"`
	Target       string    `json:"target"`
	Kind         Kind      `json:"kind"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	RestartCount int       `json:"restart_count"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryMB     float64   `json:"memory_mb"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Sink is a destination for history records (databases, analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

// Querier is implemented by sinks that can read back what they stored.
type Querier interface {
	// Recent returns up to limit records for target, newest first.
	Recent(ctx context.Context, target string, limit int) ([]Record, error)
}

// FromEvent converts a worker event into a Record.
func FromEvent(ev supervisor.Event) Record {
	r := Record{
		ID:         ev.ID,
		Target:     ev.Target,
		Kind:       Kind(ev.Kind),
		OccurredAt: ev.Time.UTC(),
	}
	switch ev.Kind {
	case supervisor.EventStatus:
		r.Status = string(ev.Status)
		r.Message = ev.Error
	case supervisor.EventLog:
		r.Message = ev.Text
	case supervisor.EventStats:
		r.RestartCount = ev.Stats.RestartCount
		r.CPUPercent = ev.Stats.CPUPercent
		r.MemoryMB = ev.Stats.MemoryMB
		r.Message = ev.Stats.Uptime
	}
	return r
}

// DefaultLimit caps Recent queries that pass a non-positive limit.
const DefaultLimit = 100

func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 10*DefaultLimit {
		return DefaultLimit
	}
	return limit
}
