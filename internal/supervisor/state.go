package supervisor

import (
	"time"

	"github.com/loykin/procwatch/internal/metrics"
)

// Status is the externally visible state of a worker.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCrashed    Status = "crashed"
	StatusRestarting Status = "restarting"
	StatusErrored    Status = "errored"
)

var allStatuses = []Status{StatusStopped, StatusStarting, StatusRunning, StatusCrashed, StatusRestarting, StatusErrored}

// Terminal reports whether the worker loop has ended in this status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusErrored
}

// RuntimeState is a snapshot of a worker. The worker goroutine is the only writer.
type RuntimeState struct {
	Name                   string             `json:"name"`
	Status                 Status             `json:"status"`
	PID                    int                `json:"pid,omitempty"`
	RestartCount           int                `json:"restart_count"`
	MaxRestarts            int                `json:"max_restarts"`
	StartTime              time.Time          `json:"start_time,omitempty"`
	NextScheduledRestartAt *time.Time         `json:"next_scheduled_restart_at,omitempty"`
	LastStats              metrics.StatSample `json:"last_stats"`
	LastError              string             `json:"last_error,omitempty"`
}

func (r RuntimeState) clone() RuntimeState {
	if r.NextScheduledRestartAt != nil {
		t := *r.NextScheduledRestartAt
		r.NextScheduledRestartAt = &t
	}
	return r
}
