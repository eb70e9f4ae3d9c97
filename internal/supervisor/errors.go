package supervisor

import (
	"errors"
	"fmt"
)

// ErrInvalidTarget wraps every TargetConfig validation failure.
var ErrInvalidTarget = errors.New("invalid target")

// ErrRestartLimitExceeded marks a worker that ran out of crash restarts.
var ErrRestartLimitExceeded = errors.New("restart limit exceeded")

// ScheduledRestartError reports that the relaunch of a scheduled restart failed.
// It does not consume crash-restart budget.
type ScheduledRestartError struct {
	Err error
}

func (e *ScheduledRestartError) Error() string {
	return fmt.Sprintf("scheduled restart: %v", e.Err)
}

func (e *ScheduledRestartError) Unwrap() error { return e.Err }
