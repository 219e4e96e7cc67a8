// Package roundtest provides a controllable clock and an event recorder for tests that
// drive rounds.
package roundtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/victornm/trivia/internal/event"
	"github.com/victornm/trivia/internal/round"
)

const waitTimeout = 2 * time.Second

// Clock hands out timers that only fire when a test says so.
type Clock struct {
	mu  sync.Mutex
	now time.Time

	timers  chan *Timer
	tickers chan *Ticker
}

func NewClock() *Clock {
	return &Clock{
		now:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		timers:  make(chan *Timer, 256),
		tickers: make(chan *Ticker, 256),
	}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *Clock) NewTimer(d time.Duration) round.Timer {
	t := &Timer{D: d, ch: make(chan time.Time, 1)}
	c.timers <- t
	return t
}

func (c *Clock) NewTicker(d time.Duration) round.Ticker {
	t := &Ticker{D: d, ch: make(chan time.Time, 1)}
	c.tickers <- t
	return t
}

// NextTimer returns the next timer created, in creation order.
func (c *Clock) NextTimer(t testing.TB) *Timer {
	t.Helper()

	select {
	case tm := <-c.timers:
		return tm
	case <-time.After(waitTimeout):
		t.Fatal("roundtest: no timer created")
		return nil
	}
}

func (c *Clock) NextTicker(t testing.TB) *Ticker {
	t.Helper()

	select {
	case tk := <-c.tickers:
		return tk
	case <-time.After(waitTimeout):
		t.Fatal("roundtest: no ticker created")
		return nil
	}
}

type Timer struct {
	D  time.Duration
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *Timer) C() <-chan time.Time { return t.ch }

func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := !t.stopped
	t.stopped = true
	return was
}

// Fire delivers the expiry unless the timer was stopped.
func (t *Timer) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	select {
	case t.ch <- time.Now():
	default:
	}
}

type Ticker struct {
	D  time.Duration
	ch chan time.Time
}

func (t *Ticker) C() <-chan time.Time { return t.ch }
func (t *Ticker) Stop()               {}

func (t *Ticker) Tick() {
	t.ch <- time.Now()
}

// Recorder is a publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(_ context.Context, e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]event.Event(nil), r.events...)
}

// Named returns the recorded events with the given name, in publish order.
func (r *Recorder) Named(name string) []event.Event {
	var out []event.Event
	for _, e := range r.Events() {
		if e.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until n events with the given name were recorded.
func (r *Recorder) WaitFor(t testing.TB, name string, n int) []event.Event {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		if got := r.Named(name); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("roundtest: want %d %q events, got %d", n, name, len(r.Named(name)))
			return nil
		}
	}
}
