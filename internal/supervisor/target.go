package supervisor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/notify"
)

const (
	DefaultMaxRestarts   = 5
	DefaultCheckInterval = 10 // seconds
)

// MaxIntervalSeconds is the longest interval, in seconds, a time.Duration can hold.
const MaxIntervalSeconds = int64(math.MaxInt64 / int64(time.Second))

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IntervalUnit is the unit of a scheduled restart interval.
type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
)

// Seconds returns the length of one unit in seconds, or 0 for an unknown unit.
func (u IntervalUnit) Seconds() int64 {
	switch u {
	case UnitSeconds:
		return 1
	case UnitMinutes:
		return 60
	case UnitHours:
		return 3600
	default:
		return 0
	}
}

// ParseIntervalUnit accepts the unit names with or without the plural s.
func ParseIntervalUnit(s string) (IntervalUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "second", "seconds":
		return UnitSeconds, nil
	case "m", "min", "minute", "minutes":
		return UnitMinutes, nil
	case "h", "hour", "hours":
		return UnitHours, nil
	default:
		return "", fmt.Errorf("unknown interval unit %q", s)
	}
}

// Schedule configures periodic forced restarts.
type Schedule struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Value   int          `json:"value" mapstructure:"value"`
	Unit    IntervalUnit `json:"unit" mapstructure:"unit"`
}

// Interval returns Value×Unit. ok is false for a non-positive value, an
// unknown unit, or an interval longer than MaxIntervalSeconds.
func (s Schedule) Interval() (time.Duration, bool) {
	unit := s.Unit.Seconds()
	if s.Value < 1 || unit == 0 || int64(s.Value) > MaxIntervalSeconds/unit {
		return 0, false
	}
	return time.Duration(int64(s.Value)*unit) * time.Second, true
}

// TargetConfig describes one supervised executable. It is treated as
// immutable for the duration of a supervision session.
type TargetConfig struct {
	Name        string   `json:"name" mapstructure:"name"`
	Path        string   `json:"path" mapstructure:"path"`
	Args        []string `json:"args,omitempty" mapstructure:"args"`
	Interpreter string   `json:"interpreter,omitempty" mapstructure:"interpreter"`
	WorkDir     string   `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env         []string `json:"env,omitempty" mapstructure:"env"`

	MaxRestarts   int `json:"max_restarts" mapstructure:"max_restarts"`
	CheckInterval int `json:"check_interval" mapstructure:"check_interval"` // seconds

	Telegram notify.Config `json:"telegram" mapstructure:"telegram"`
	Schedule Schedule      `json:"schedule" mapstructure:"schedule"`

	AutoStart     bool              `json:"autostart" mapstructure:"autostart"`
	CaptureOutput bool              `json:"capture_output" mapstructure:"capture_output"`
	Log           logger.FileConfig `json:"log" mapstructure:"log"`
}

// WithDefaults fills zero values with the defaults.
func (c TargetConfig) WithDefaults() TargetConfig {
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Schedule.Unit == "" {
		c.Schedule.Unit = UnitSeconds
	}
	return c
}

// Validate checks the constraints of a config after defaults are applied.
func (c TargetConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	} else if !namePattern.MatchString(c.Name) {
		errs = append(errs, fmt.Errorf("name %q contains invalid characters", c.Name))
	}
	if strings.TrimSpace(c.Path) == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if c.MaxRestarts < 1 {
		errs = append(errs, fmt.Errorf("max_restarts must be >= 1, got %d", c.MaxRestarts))
	}
	if c.CheckInterval < 1 {
		errs = append(errs, fmt.Errorf("check_interval must be >= 1, got %d", c.CheckInterval))
	} else if int64(c.CheckInterval) > MaxIntervalSeconds {
		errs = append(errs, fmt.Errorf("check_interval must be <= %d, got %d", MaxIntervalSeconds, c.CheckInterval))
	}
	if c.Schedule.Enabled {
		if c.Schedule.Value < 1 {
			errs = append(errs, fmt.Errorf("schedule value must be >= 1, got %d", c.Schedule.Value))
		}
		if c.Schedule.Unit.Seconds() == 0 {
			errs = append(errs, fmt.Errorf("schedule unit %q is not one of seconds, minutes, hours", c.Schedule.Unit))
		} else if _, ok := c.Schedule.Interval(); !ok && c.Schedule.Value >= 1 {
			errs = append(errs, fmt.Errorf("schedule interval %d %s is too large", c.Schedule.Value, c.Schedule.Unit))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidTarget, c.Name, errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy.
func (c TargetConfig) Clone() TargetConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.Env = append([]string(nil), c.Env...)
	return out
}

// Redacted returns a copy with secrets masked, safe for API responses.
func (c TargetConfig) Redacted() TargetConfig {
	out := c.Clone()
	out.Telegram = c.Telegram.Redacted()
	return out
}
