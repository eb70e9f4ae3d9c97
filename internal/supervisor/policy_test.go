package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		in   PolicyInput
		want Decision
	}{
		{"alive no schedule", PolicyInput{Now: now, Alive: true, MaxRestarts: 3}, DecisionNone},
		{"scheduled due", PolicyInput{Now: now, Alive: true, MaxRestarts: 3, ScheduleEnabled: true, NextScheduled: &past}, DecisionScheduled},
		{"scheduled exactly now", PolicyInput{Now: now, Alive: true, MaxRestarts: 3, ScheduleEnabled: true, NextScheduled: &now}, DecisionScheduled},
		{"scheduled not yet due", PolicyInput{Now: now, Alive: true, MaxRestarts: 3, ScheduleEnabled: true, NextScheduled: &future}, DecisionNone},
		{"scheduled disabled", PolicyInput{Now: now, Alive: true, MaxRestarts: 3, NextScheduled: &past}, DecisionNone},
		{"scheduled without time", PolicyInput{Now: now, Alive: true, MaxRestarts: 3, ScheduleEnabled: true}, DecisionNone},
		{"dead and due prefers crash", PolicyInput{Now: now, Alive: false, MaxRestarts: 3, ScheduleEnabled: true, NextScheduled: &past}, DecisionCrash},
		{"crash under budget", PolicyInput{Now: now, RestartCount: 2, MaxRestarts: 3}, DecisionCrash},
		{"crash at budget", PolicyInput{Now: now, RestartCount: 3, MaxRestarts: 3}, DecisionLimitExceeded},
		{"crash over budget", PolicyInput{Now: now, RestartCount: 7, MaxRestarts: 3}, DecisionLimitExceeded},
		{"dead while stopping", PolicyInput{Now: now, Stopping: true, MaxRestarts: 3}, DecisionNone},
		{"scheduled ignores budget", PolicyInput{Now: now, Alive: true, RestartCount: 9, MaxRestarts: 3, ScheduleEnabled: true, NextScheduled: &past}, DecisionScheduled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in), Decide(tt.in).String())
		})
	}
}

func TestNextScheduledRestart(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.Nil(t, NextScheduledRestart(Schedule{Enabled: false, Value: 5, Unit: UnitSeconds}, now))
	assert.Nil(t, NextScheduledRestart(Schedule{Enabled: true, Value: 0, Unit: UnitSeconds}, now))
	assert.Nil(t, NextScheduledRestart(Schedule{Enabled: true, Value: 1, Unit: "weeks"}, now))
	// an interval that overflows Duration never lands in the past
	assert.Nil(t, NextScheduledRestart(Schedule{Enabled: true, Value: 3000000, Unit: UnitHours}, now))

	cases := map[IntervalUnit]time.Duration{
		UnitSeconds: 5 * time.Second,
		UnitMinutes: 5 * time.Minute,
		UnitHours:   5 * time.Hour,
	}
	for unit, want := range cases {
		got := NextScheduledRestart(Schedule{Enabled: true, Value: 5, Unit: unit}, now)
		require.NotNil(t, got, unit)
		assert.Equal(t, now.Add(want), *got, unit)
	}
}

func TestIntervalUnit(t *testing.T) {
	assert.EqualValues(t, 1, UnitSeconds.Seconds())
	assert.EqualValues(t, 60, UnitMinutes.Seconds())
	assert.EqualValues(t, 3600, UnitHours.Seconds())
	assert.Zero(t, IntervalUnit("days").Seconds())

	for in, want := range map[string]IntervalUnit{"seconds": UnitSeconds, "Minute": UnitMinutes, " h ": UnitHours} {
		got, err := ParseIntervalUnit(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseIntervalUnit("fortnight")
	assert.Error(t, err)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "limit_exceeded", DecisionLimitExceeded.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

func TestScheduleInterval(t *testing.T) {
	d, ok := Schedule{Value: 2, Unit: UnitMinutes}.Interval()
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	maxHours := int(MaxIntervalSeconds / 3600)
	d, ok = Schedule{Value: maxHours, Unit: UnitHours}.Interval()
	require.True(t, ok)
	assert.Positive(t, d)

	_, ok = Schedule{Value: maxHours + 1, Unit: UnitHours}.Interval()
	assert.False(t, ok)
	_, ok = Schedule{Value: 0, Unit: UnitSeconds}.Interval()
	assert.False(t, ok)
}
