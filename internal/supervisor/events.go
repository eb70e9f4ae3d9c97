package supervisor

import (
	"time"

	"github.com/loykin/procwatch/internal/metrics"
)

type EventKind string

const (
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
	EventStats  EventKind = "stats"
)

// Event is one lifecycle notification from a worker. Only the field that
// matches Kind is meaningful.
type Event struct {
	ID     string             `json:"id"`
	Kind   EventKind          `json:"kind"`
	Target string             `json:"target"`
	Time   time.Time          `json:"time"`
	Text   string             `json:"text,omitempty"`
	Status Status             `json:"status,omitempty"`
	Stats  metrics.StatSample `json:"stats"`
	Error  string             `json:"error,omitempty"`
}

// Emitter receives events in emission order. Implementations must not block
// for long since they run on the worker goroutine.
type Emitter func(Event)
