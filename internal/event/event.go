package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultQueueSize = 4096
	defaultTimeout   = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus. Each subscription owns a queue and a worker, so a
// subscriber sees events in publish order and a slow subscriber does not hold up the others.
type Bus struct {
	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	handlers map[string][]*subscription
	all      []*subscription
}

type subscription struct {
	h     Handler
	queue chan delivery
}

type delivery struct {
	ctx context.Context
	e   Event
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]*subscription),
	}
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], b.start(h))
}

// SubscribeAll receives every published event through a single ordered queue.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, b.start(h))
}

func (b *Bus) start(h Handler) *subscription {
	s := &subscription{h: h, queue: make(chan delivery, defaultQueueSize)}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range s.queue {
			s.handle(d)
		}
	}()

	return s
}

// Publish an event. It blocks only when a subscriber's queue is full.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		slog.WarnContext(ctx, "event: publish after stop", "event", e.Name())
		return
	}

	d := delivery{ctx: context.WithoutCancel(ctx), e: e}
	for _, s := range b.handlers[e.Name()] {
		s.queue <- d
	}
	for _, s := range b.all {
		s.queue <- d
	}
}

func (s *subscription) handle(d delivery) {
	ctx, cancel := context.WithTimeout(d.ctx, defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", d.e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
	}()

	if err := s.h(ctx, d.e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", d.e.Name(),
			"error", err,
		)
	}
}

// Stop waits for every queued event to be handled. Events published afterwards are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, subs := range b.handlers {
		for _, s := range subs {
			close(s.queue)
		}
	}
	for _, s := range b.all {
		close(s.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
