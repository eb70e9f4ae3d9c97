package metrics

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	pid   int
	alive bool
}

func (f fakeTarget) PID() int    { return f.pid }
func (f fakeTarget) Alive() bool { return f.alive }

type fakeIntrospector struct {
	usage Usage
	err   error
	calls int
}

func (f *fakeIntrospector) Usage(int) (Usage, error) {
	f.calls++
	return f.usage, f.err
}

func newTestSampler(in Introspector, now time.Time) *Sampler {
	s := NewSampler(in, nil)
	s.now = func() time.Time { return now }
	return s
}

func TestSampler_DeadTargetIsZero(t *testing.T) {
	in := &fakeIntrospector{usage: Usage{CPUPercent: 50, RSSBytes: 1 << 20}}
	s := newTestSampler(in, time.Now())

	got := s.Sample(fakeTarget{pid: 1, alive: false}, time.Now().Add(-time.Hour))
	assert.Equal(t, StatSample{Uptime: "00:00:00"}, got)
	assert.Zero(t, in.calls)

	assert.Equal(t, StatSample{Uptime: "00:00:00"}, s.Sample(nil, time.Now()))
}

func TestSampler_RoundsAndFormats(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	in := &fakeIntrospector{usage: Usage{CPUPercent: 12.345, RSSBytes: 15*1024*1024 + 300*1024}}
	s := newTestSampler(in, now)

	got := s.Sample(fakeTarget{pid: 7, alive: true}, now.Add(-(3*time.Hour + 4*time.Minute + 5*time.Second + 900*time.Millisecond)))
	assert.Equal(t, 12.3, got.CPUPercent)
	assert.Equal(t, 15.3, got.MemoryMB)
	assert.Equal(t, "03:04:05", got.Uptime)
	assert.Zero(t, got.RestartCount)
}

func TestSampler_IntrospectionFailureReusesPrevious(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Second)
	in := &fakeIntrospector{usage: Usage{CPUPercent: 4, RSSBytes: 2 * 1024 * 1024}}
	s := newTestSampler(in, now)

	first := s.Sample(fakeTarget{pid: 7, alive: true}, start)
	require.Equal(t, 4.0, first.CPUPercent)

	in.err = errors.New("access denied")
	s.now = func() time.Time { return now.Add(5 * time.Second) }
	second := s.Sample(fakeTarget{pid: 7, alive: true}, start)
	assert.Equal(t, first.CPUPercent, second.CPUPercent)
	assert.Equal(t, first.MemoryMB, second.MemoryMB)
	assert.Equal(t, "00:00:15", second.Uptime)
}

func TestSampler_FailureBeforeAnyReadingIsZero(t *testing.T) {
	in := &fakeIntrospector{err: errors.New("no such process")}
	now := time.Now()
	s := newTestSampler(in, now)
	got := s.Sample(fakeTarget{pid: 7, alive: true}, now.Add(-2*time.Second))
	assert.Equal(t, StatSample{Uptime: "00:00:02"}, got)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{999 * time.Millisecond, "00:00:00"},
		{61 * time.Second, "00:01:01"},
		{100*time.Hour + 59*time.Minute + 59*time.Second, "100:59:59"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.d), tt.d.String())
	}
}

func TestRound1(t *testing.T) {
	assert.Equal(t, 0.0, Round1(-3))
	assert.Equal(t, 1.3, Round1(1.25000001))
	assert.Equal(t, 99.9, Round1(99.94))
}

func TestGopsutilIntrospector_SelfProcess(t *testing.T) {
	in := NewGopsutilIntrospector()
	u, err := in.Usage(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, u.CPUPercent, 0.0)
	assert.Greater(t, u.RSSBytes, uint64(0))

	_, err = in.Usage(os.Getpid())
	require.NoError(t, err)
}

func TestGopsutilIntrospector_SharedAcrossPids(t *testing.T) {
	in := NewGopsutilIntrospector()
	self, parent := os.Getpid(), os.Getppid()

	_, err := in.Usage(self)
	require.NoError(t, err)
	_, err = in.Usage(parent)
	require.NoError(t, err)

	in.mu.Lock()
	cached := in.procs[self]
	n := len(in.procs)
	in.mu.Unlock()
	assert.Equal(t, 2, n)

	// reading the first pid again reuses its entry, so cpu is a real delta
	_, err = in.Usage(self)
	require.NoError(t, err)
	in.mu.Lock()
	assert.Same(t, cached, in.procs[self])
	in.mu.Unlock()
}

func TestSystemStats(t *testing.T) {
	s, err := SystemStats()
	require.NoError(t, err)
	assert.Greater(t, s.MemoryTotalMB, 0.0)
	assert.GreaterOrEqual(t, s.MemoryPercent, 0.0)
	assert.GreaterOrEqual(t, s.NumCPU, 1)
}

func TestStatSample_SameUsageIgnoresUptime(t *testing.T) {
	a := StatSample{CPUPercent: 1, MemoryMB: 2, RestartCount: 3, Uptime: "00:00:10"}
	b := a
	b.Uptime = "00:00:20"
	assert.True(t, a.SameUsage(b))
	assert.NotEqual(t, a, b)

	b.RestartCount = 4
	assert.False(t, a.SameUsage(b))
}
