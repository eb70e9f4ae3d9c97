package metrics

import (
	"sync"
	"time"
)

// DefaultHistorySize matches the number of points a stats chart shows.
const DefaultHistorySize = 60

// Point is a timestamped StatSample.
type Point struct {
	At     time.Time  `json:"at"`
	Sample StatSample `json:"sample"`
}

// Ring is a fixed-size circular buffer of Points.
type Ring struct {
	mu       sync.Mutex
	buf      []Point
	startIdx int
	count    int
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Ring{buf: make([]Point, size)}
}

func (r *Ring) Add(p Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.buf) {
		r.buf[(r.startIdx+r.count)%len(r.buf)] = p
		r.count++
		return
	}
	// full: overwrite oldest
	r.buf[r.startIdx] = p
	r.startIdx = (r.startIdx + 1) % len(r.buf)
}

// Snapshot returns the points oldest first.
func (r *Ring) Snapshot() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Point, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.startIdx+i)%len(r.buf)]
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startIdx, r.count = 0, 0
}
