// Package readstate keeps the local read cursor monotonic and pushes it to
// the server on a trailing debounce.
package readstate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/loop"
)

// DefaultDebounce is the quiet period before a push.
const DefaultDebounce = 500 * time.Millisecond

// Backend stores the read cursor server side.
type Backend interface {
	GetReadState(ctx context.Context, uid int64) (int64, error)
	// PutReadState returns the effective cursor the server kept.
	PutReadState(ctx context.Context, uid, id int64) (int64, error)
}

// Config configures a Tracker.
type Config struct {
	UserID         int64
	Debounce       time.Duration
	RequestTimeout time.Duration
}

// Hooks observe tracker activity.
type Hooks struct {
	// OnChange fires whenever LastReadID increases.
	OnChange func(lastReadID int64)
	OnPush   func(d time.Duration, err error)
}

// Tracker owns the read cursor. All methods must run on the loop.
type Tracker struct {
	cfg     Config
	backend Backend
	sched   loop.Scheduler
	hooks   Hooks
	logger  zerolog.Logger

	lastRead int64
	pending  int64
	timer    clock.Timer
	inflight bool
	again    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a tracker.
func New(backend Backend, sched loop.Scheduler, cfg Config, hooks Hooks) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:     cfg,
		backend: backend,
		sched:   sched,
		hooks:   hooks,
		logger:  logging.Component("readstate"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// LastReadID returns the local cursor.
func (t *Tracker) LastReadID() int64 { return t.lastRead }

// PendingSyncID returns the id waiting to be pushed, or 0.
func (t *Tracker) PendingSyncID() int64 { return t.pending }

// Seed raises the local cursor from a persisted hint without pushing.
func (t *Tracker) Seed(id int64) {
	if id > t.lastRead {
		t.lastRead = id
	}
}

// Advance raises the cursor to id and schedules a push. Lower ids are
// ignored. It reports whether the cursor moved.
func (t *Tracker) Advance(id int64) bool {
	if id <= t.lastRead {
		return false
	}
	t.lastRead = id
	t.pending = id
	t.changed()
	t.arm()
	return true
}

// MergeRemote adopts a server value if it is higher, without pushing.
func (t *Tracker) MergeRemote(id int64) bool {
	if t.pending > 0 && id >= t.pending {
		t.pending = 0
		t.stopTimer()
	}
	if id <= t.lastRead {
		return false
	}
	t.lastRead = id
	t.changed()
	return true
}

// Load fetches the server cursor and merges it. When the local cursor is
// ahead, it is pushed right away.
func (t *Tracker) Load() {
	if t.cfg.UserID <= 0 || t.backend == nil {
		return
	}
	uid := t.cfg.UserID
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
	t.sched.Go(func() {
		remote, err := t.backend.GetReadState(ctx, uid)
		cancel()
		t.sched.Post(func() {
			if err != nil {
				t.logger.Warn().Err(err).Msg("load read state failed")
				if t.pending > 0 {
					t.arm()
				}
				return
			}
			t.MergeRemote(remote)
			if t.lastRead > remote {
				t.pending = t.lastRead
				t.Flush()
			}
		})
	})
}

// Resume retries an outstanding push, for example after reconnecting.
func (t *Tracker) Resume() {
	if t.pending > 0 {
		t.Flush()
	}
}

// Flush pushes the pending id now.
func (t *Tracker) Flush() {
	t.stopTimer()
	if t.pending <= 0 || t.cfg.UserID <= 0 || t.backend == nil {
		return
	}
	if t.inflight {
		t.again = true
		return
	}
	t.inflight = true
	id := t.pending
	uid := t.cfg.UserID
	started := t.sched.Now()
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.RequestTimeout)
	t.sched.Go(func() {
		effective, err := t.backend.PutReadState(ctx, uid, id)
		cancel()
		t.sched.Post(func() {
			t.inflight = false
			if t.hooks.OnPush != nil {
				t.hooks.OnPush(t.sched.Now().Sub(started), err)
			}
			if err != nil {
				t.logger.Warn().Err(err).Int64("id", id).Msg("read state push failed")
				if t.again {
					t.again = false
					t.arm()
				}
				return
			}
			if t.pending <= id {
				t.pending = 0
			}
			if effective > t.lastRead {
				t.lastRead = effective
				t.changed()
			}
			if t.again || t.pending > 0 {
				t.again = false
				t.arm()
			}
		})
	})
}

// Stop cancels the debounce and any in-flight request.
func (t *Tracker) Stop() {
	t.stopTimer()
	t.cancel()
}

func (t *Tracker) arm() {
	t.stopTimer()
	t.timer = t.sched.AfterFunc(t.cfg.Debounce, func() {
		t.timer = nil
		t.Flush()
	})
}

func (t *Tracker) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) changed() {
	if t.hooks.OnChange != nil {
		t.hooks.OnChange(t.lastRead)
	}
}
