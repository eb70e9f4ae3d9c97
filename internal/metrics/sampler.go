package metrics

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// StatSample is one resource-usage observation of a target. It is comparable
// with == so callers can suppress duplicate emissions.
type StatSample struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	RestartCount int     `json:"restart_count"`
	Uptime       string  `json:"uptime"`
}

// Target is the part of a process handle the sampler needs.
type Target interface {
	PID() int
	Alive() bool
}

// Usage is a raw OS reading for one process.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Introspector reads resource usage of a process by pid.
type Introspector interface {
	Usage(pid int) (Usage, error)
}

// GopsutilIntrospector reads usage through gopsutil. CPU percent is the delta
// since the previous reading of the same pid, so the first reading after a
// spawn is 0. One instance may be shared by many workers; entries of exited
// pids are dropped when a new pid is first seen.
type GopsutilIntrospector struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewGopsutilIntrospector() *GopsutilIntrospector {
	return &GopsutilIntrospector{procs: make(map[int]*process.Process)}
}

// prune drops cached processes that are no longer running. Called with mu held.
func (g *GopsutilIntrospector) prune() {
	for pid, p := range g.procs {
		if running, err := p.IsRunning(); err != nil || !running {
			delete(g.procs, pid)
		}
	}
}

func (g *GopsutilIntrospector) Usage(pid int) (Usage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.procs[pid]
	if !ok {
		var err error
		p, err = process.NewProcess(int32(pid))
		if err != nil {
			return Usage{}, fmt.Errorf("open process %d: %w", pid, err)
		}
		g.prune()
		g.procs[pid] = p
	}
	cpu, err := p.Percent(0)
	if err != nil {
		delete(g.procs, pid)
		return Usage{}, fmt.Errorf("cpu percent %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		delete(g.procs, pid)
		return Usage{}, fmt.Errorf("memory info %d: %w", pid, err)
	}
	return Usage{CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}

// Sampler produces StatSamples for one target. It remembers the last
// successful reading so a failed introspection can fall back to it.
type Sampler struct {
	in     Introspector
	logger *slog.Logger
	now    func() time.Time

	prevCPU float64
	prevMem float64
}

// NewSampler returns a sampler backed by in, or by gopsutil when in is nil.
func NewSampler(in Introspector, logger *slog.Logger) *Sampler {
	if in == nil {
		in = NewGopsutilIntrospector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{in: in, logger: logger, now: time.Now}
}

// Sample never fails. A dead target yields a zero sample. RestartCount is left
// for the caller to fill in.
func (s *Sampler) Sample(t Target, startTime time.Time) StatSample {
	if t == nil || !t.Alive() {
		return StatSample{Uptime: FormatUptime(0)}
	}
	u, err := s.in.Usage(t.PID())
	if err != nil {
		s.logger.Debug("introspection failed, reusing previous sample", "pid", t.PID(), "error", err)
	} else {
		s.prevCPU = Round1(u.CPUPercent)
		s.prevMem = Round1(float64(u.RSSBytes) / 1024 / 1024)
	}
	return StatSample{
		CPUPercent: s.prevCPU,
		MemoryMB:   s.prevMem,
		Uptime:     FormatUptime(s.now().Sub(startTime)),
	}
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Round(v*10) / 10
}

// FormatUptime renders d floored to whole seconds as HH:MM:SS. Hours are not capped.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}

// SameUsage compares the fields that matter for change suppression. Uptime is
// ignored since it advances on every sample.
func (s StatSample) SameUsage(o StatSample) bool {
	return s.CPUPercent == o.CPUPercent && s.MemoryMB == o.MemoryMB && s.RestartCount == o.RestartCount
}

// WithClock replaces the clock used for uptime.
func (s *Sampler) WithClock(now func() time.Time) *Sampler {
	if now != nil {
		s.now = now
	}
	return s
}
