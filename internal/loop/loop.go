// Package loop provides the single-writer event loop that owns all engine
// state. Network I/O runs on helper goroutines started with Go, and results
// are delivered back with Post so that every mutation happens on the loop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/logging"
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("loop stopped")

// Scheduler is the view of the loop that components depend on.
type Scheduler interface {
	// Post queues fn to run on the loop.
	Post(fn func())
	// Go runs fn on a helper goroutine.
	Go(fn func())
	// AfterFunc arms a timer whose callback runs on the loop.
	AfterFunc(d time.Duration, fn func()) clock.Timer
	// Now returns the loop's clock time.
	Now() time.Time
}

// Loop is a goroutine-backed Scheduler.
type Loop struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	stopMu  sync.Once
	workers sync.WaitGroup
}

// New creates a loop using the given clock. Run must be called to start it.
func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.Real{}
	}
	return &Loop{
		clock:  c,
		logger: logging.Component("loop"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run processes posted functions until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("recovered panic in loop step")
		}
	}()
	fn()
}

func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Go(fn func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		fn()
	}()
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return newTimer(l, l.clock, d, fn)
}

func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("loop call: %w", ctx.Err())
	}
}

// Stop makes Run return. Posted functions that have not run are dropped.
func (l *Loop) Stop() {
	l.stopMu.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until every goroutine started with Go has returned.
func (l *Loop) Wait() {
	l.workers.Wait()
}

// loopTimer delivers the clock callback through Post. Stop and the fire
// check both run on the loop, so a stopped timer never runs its callback
// even when the clock already fired.
type loopTimer struct {
	inner   clock.Timer
	stopped bool
	fired   bool
}

func newTimer(s interface{ Post(func()) }, c clock.Clock, d time.Duration, fn func()) *loopTimer {
	t := &loopTimer{}
	t.inner = c.AfterFunc(d, func() {
		s.Post(func() {
			if t.stopped || t.fired {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

func (t *loopTimer) Stop() bool {
	if t == nil || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.inner.Stop()
	return true
}
