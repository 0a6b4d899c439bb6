package loop

import (
	"time"

	"github.com/tOgg1/chatsync/internal/clock"
)

// Manual is a deterministic Scheduler for tests. Posted functions and Go
// work are queued until the test drives them with Drain, RunWork, Flush or
// Advance. The goroutine calling those methods acts as the loop.
type Manual struct {
	Clock *clock.Fake

	queue []func()
	work  []func()
}

// NewManual returns a manual scheduler over a fake clock.
func NewManual(start time.Time) *Manual {
	return &Manual{Clock: clock.NewFake(start)}
}

func (m *Manual) Post(fn func()) {
	if fn != nil {
		m.queue = append(m.queue, fn)
	}
}

func (m *Manual) Go(fn func()) {
	if fn != nil {
		m.work = append(m.work, fn)
	}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return newTimer(m, m.Clock, d, fn)
}

func (m *Manual) Now() time.Time {
	return m.Clock.Now()
}

// PendingWork returns the number of queued Go functions.
func (m *Manual) PendingWork() int {
	return len(m.work)
}

// Drain runs posted functions until the queue is empty.
func (m *Manual) Drain() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// RunWork runs the queued Go functions once, in submission order, then
// drains the results they posted.
func (m *Manual) RunWork() {
	batch := m.work
	m.work = nil
	for _, fn := range batch {
		fn()
	}
	m.Drain()
}

// Flush alternates Drain and RunWork until nothing is left.
func (m *Manual) Flush() {
	for {
		m.Drain()
		if len(m.work) == 0 {
			return
		}
		m.RunWork()
	}
}

// Advance moves the fake clock forward, running every timer callback and
// the work it triggers at its own deadline.
func (m *Manual) Advance(d time.Duration) {
	target := m.Clock.Now().Add(d)
	m.Flush()
	for {
		next, ok := m.Clock.Next()
		if !ok || next.After(target) {
			break
		}
		m.Clock.Advance(next.Sub(m.Clock.Now()))
		m.Flush()
	}
	m.Clock.Advance(target.Sub(m.Clock.Now()))
	m.Flush()
}
