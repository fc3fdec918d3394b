package harness

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrLoopClosed is returned by Post after Quit.
	ErrLoopClosed = errors.New("event loop closed")
	// ErrLoopFull is returned by Post when the queue is at capacity.
	ErrLoopFull = errors.New("event loop queue full")
)

// DefaultQueueCapacity bounds the number of pending loop callbacks.
const DefaultQueueCapacity = 4096

// Loop runs posted callbacks one at a time on the goroutine calling Run.
// Everything touching an active Run executes on that goroutine.
type Loop struct {
	queue  chan func()
	timers chan func()
	quit   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLoop returns a loop whose queue holds up to capacity callbacks.
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	return &Loop{
		queue:  make(chan func(), capacity),
		timers: make(chan func()),
		quit:   make(chan struct{}),
	}
}

// Post enqueues fn without blocking.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopClosed
	}

	select {
	case l.queue <- fn:
		return nil
	default:
		return ErrLoopFull
	}
}

// AfterFunc arms a one-shot timer whose callback runs on the loop. Timer
// callbacks are never dropped for lack of queue space; they are discarded
// only if the loop quits first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case l.timers <- fn:
		case <-l.quit:
		}
	})
}

// Quit stops accepting callbacks. Run executes whatever is already queued
// and returns. Safe to call from a callback and more than once.
func (l *Loop) Quit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.closed = true
	close(l.quit)
}

// Run dispatches callbacks until Quit.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.queue:
			fn()
		case fn := <-l.timers:
			l.drainPending()
			fn()
		case <-l.quit:
			l.drain()

			return
		}
	}
}

// drainPending runs the callbacks queued before a timer fired, so they are
// not overtaken by it. Callbacks posted meanwhile wait for the next turn.
func (l *Loop) drainPending() {
	for n := len(l.queue); n > 0; n-- {
		(<-l.queue)()
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.queue:
			fn()
		default:
			return
		}
	}
}
