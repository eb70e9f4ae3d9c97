package supervisor

import "time"

// Decision is the outcome of evaluating the restart policy for one tick.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionScheduled
	DecisionCrash
	DecisionLimitExceeded
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionScheduled:
		return "scheduled"
	case DecisionCrash:
		return "crash"
	case DecisionLimitExceeded:
		return "limit_exceeded"
	default:
		return "unknown"
	}
}

// PolicyInput is everything the policy looks at.
type PolicyInput struct {
	Now             time.Time
	Alive           bool
	Stopping        bool
	RestartCount    int
	MaxRestarts     int
	ScheduleEnabled bool
	NextScheduled   *time.Time
}

// Decide evaluates the scheduled trigger first, then the crash trigger.
func Decide(in PolicyInput) Decision {
	if in.ScheduleEnabled && in.NextScheduled != nil && !in.Now.Before(*in.NextScheduled) && in.Alive {
		return DecisionScheduled
	}
	if !in.Alive && !in.Stopping {
		if in.RestartCount >= in.MaxRestarts {
			return DecisionLimitExceeded
		}
		return DecisionCrash
	}
	return DecisionNone
}

// NextScheduledRestart returns now plus the schedule interval, or nil when
// scheduling is disabled or the interval is out of range.
func NextScheduledRestart(s Schedule, now time.Time) *time.Time {
	if !s.Enabled {
		return nil
	}
	d, ok := s.Interval()
	if !ok {
		return nil
	}
	t := now.Add(d)
	return &t
}
