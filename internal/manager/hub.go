package manager

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/supervisor"
)

// Consumer receives worker events. Each consumer gets its own goroutine, so
// Consume may block without holding up workers or other consumers.
type Consumer interface {
	Consume(ev supervisor.Event)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(supervisor.Event)

func (f ConsumerFunc) Consume(ev supervisor.Event) { f(ev) }

// Callbacks adapts the three per-kind callbacks to Consumer. Nil callbacks are skipped.
type Callbacks struct {
	OnLog    func(name, text string)
	OnStatus func(name string, status supervisor.Status)
	OnStats  func(name string, s metrics.StatSample)
}

func (c Callbacks) Consume(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventLog:
		if c.OnLog != nil {
			c.OnLog(ev.Target, ev.Text)
		}
	case supervisor.EventStatus:
		if c.OnStatus != nil {
			c.OnStatus(ev.Target, ev.Status)
		}
	case supervisor.EventStats:
		if c.OnStats != nil {
			c.OnStats(ev.Target, ev.Stats)
		}
	}
}

// Hub fans events out to subscribers in publish order.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*mailbox
	nextID uint64
	closed bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[uint64]*mailbox)}
}

// Subscribe registers c and returns a function that removes it. Events queued
// before removal are still delivered.
func (h *Hub) Subscribe(c Consumer) func() {
	mb := newMailbox(c, h.logger)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		mb.close()
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = mb
	h.mu.Unlock()
	go mb.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			mb.close()
		})
	}
}

// Publish stamps ev with an ID and enqueues it for every subscriber.
func (h *Hub) Publish(ev supervisor.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, mb := range h.subs {
		mb.push(ev)
	}
}

// Close stops accepting events and waits until every mailbox has drained.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*mailbox)
	h.mu.Unlock()
	for _, mb := range subs {
		mb.close()
	}
	for _, mb := range subs {
		<-mb.done
	}
}

// mailbox is an unbounded FIFO drained by one goroutine.
type mailbox struct {
	c      Consumer
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []supervisor.Event
	closed bool
	done   chan struct{}
}

func newMailbox(c Consumer, logger *slog.Logger) *mailbox {
	mb := &mailbox{c: c, logger: logger, done: make(chan struct{})}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(ev supervisor.Event) {
	mb.mu.Lock()
	if !mb.closed {
		mb.queue = append(mb.queue, ev)
		mb.cond.Signal()
	}
	mb.mu.Unlock()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.cond.Signal()
	mb.mu.Unlock()
}

func (mb *mailbox) run() {
	defer close(mb.done)
	for {
		mb.mu.Lock()
		for len(mb.queue) == 0 && !mb.closed {
			mb.cond.Wait()
		}
		batch := mb.queue
		mb.queue = nil
		closed := mb.closed
		mb.mu.Unlock()

		for _, ev := range batch {
			mb.deliver(ev)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (mb *mailbox) deliver(ev supervisor.Event) {
	defer func() {
		if r := recover(); r != nil {
			mb.logger.Error("event consumer panicked", "target", ev.Target, "kind", ev.Kind, "panic", r)
		}
	}()
	mb.c.Consume(ev)
}
