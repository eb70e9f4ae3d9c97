package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/supervisor"
)

type collector struct {
	mu     sync.Mutex
	events []supervisor.Event
}

func (c *collector) Consume(ev supervisor.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []supervisor.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]supervisor.Event(nil), c.events...)
}

func TestHub_OrderAndIDs(t *testing.T) {
	h := NewHub(nil)
	c := &collector{}
	h.Subscribe(c)

	for i := 0; i < 100; i++ {
		h.Publish(supervisor.Event{Kind: supervisor.EventLog, Target: "a", Text: string(rune('A' + i%26))})
	}
	h.Close()

	got := c.snapshot()
	require.Len(t, got, 100)
	seen := map[string]bool{}
	for i, ev := range got {
		assert.Equal(t, string(rune('A'+i%26)), ev.Text)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, seen[ev.ID])
		seen[ev.ID] = true
	}
}

func TestHub_SlowConsumerDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	release := make(chan struct{})
	h.Subscribe(ConsumerFunc(func(supervisor.Event) { <-release }))
	fast := &collector{}
	h.Subscribe(fast)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Publish(supervisor.Event{Kind: supervisor.EventLog})
	}
	assert.Less(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 1000 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	h.Close()
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub(nil)
	c := &collector{}
	unsub := h.Subscribe(c)
	h.Publish(supervisor.Event{Kind: supervisor.EventLog, Text: "before"})
	unsub()
	unsub()
	h.Publish(supervisor.Event{Kind: supervisor.EventLog, Text: "after"})
	h.Close()

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "before", got[0].Text)
}

func TestHub_PanickingConsumerKeepsGoing(t *testing.T) {
	h := NewHub(nil)
	var n int
	var mu sync.Mutex
	h.Subscribe(ConsumerFunc(func(supervisor.Event) {
		mu.Lock()
		n++
		mu.Unlock()
		panic("bad consumer")
	}))
	h.Publish(supervisor.Event{})
	h.Publish(supervisor.Event{})
	h.Close()
	assert.Equal(t, 2, n)
}

func TestHub_ClosedIgnoresPublishAndSubscribe(t *testing.T) {
	h := NewHub(nil)
	h.Close()
	h.Close()
	c := &collector{}
	unsub := h.Subscribe(c)
	h.Publish(supervisor.Event{})
	unsub()
	assert.Empty(t, c.snapshot())
}

func TestCallbacks(t *testing.T) {
	var logs, statuses, stats int
	cb := Callbacks{
		OnLog:    func(name, text string) { logs++ },
		OnStatus: func(name string, s supervisor.Status) { statuses++ },
		OnStats:  func(name string, s metrics.StatSample) { stats++ },
	}
	cb.Consume(supervisor.Event{Kind: supervisor.EventLog})
	cb.Consume(supervisor.Event{Kind: supervisor.EventStatus})
	cb.Consume(supervisor.Event{Kind: supervisor.EventStats})
	cb.Consume(supervisor.Event{Kind: "other"})
	assert.Equal(t, []int{1, 1, 1}, []int{logs, statuses, stats})

	// nil callbacks are fine
	Callbacks{}.Consume(supervisor.Event{Kind: supervisor.EventLog})
}
