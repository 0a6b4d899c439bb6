// Package timeline manages pagination cursors and switches the view between
// following the live tail and browsing an anchored historical window.
package timeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/loop"
	"github.com/tOgg1/chatsync/internal/models"
)

// HistorySource is the request/response history API.
type HistorySource interface {
	FetchRecent(ctx context.Context, limit int) ([]models.Message, error)
	FetchBefore(ctx context.Context, beforeID int64, limit int) ([]models.Message, error)
	FetchAfter(ctx context.Context, afterID int64, limit int) ([]models.Message, error)
	FetchContext(ctx context.Context, id int64, before, after int) (models.ContextWindow, error)
	UnreadCount(ctx context.Context, sinceID, uid int64) (models.UnreadCount, error)
}

// Mode is the timeline's browsing mode.
type Mode int

const (
	ModeLive Mode = iota
	ModeHistorical
)

func (m Mode) String() string {
	if m == ModeHistorical {
		return "historical"
	}
	return "live"
}

// Cursor describes the loaded window.
type Cursor struct {
	OldestID            int64 `json:"oldest_id"`
	NewestID            int64 `json:"newest_id"`
	FullyLoadedBackward bool  `json:"fully_loaded_backward"`
	IsLive              bool  `json:"is_live"`
}

// Config configures a Controller.
type Config struct {
	PageSize       int
	ContextBefore  int
	ContextAfter   int
	RestoreBefore  int
	RestoreAfter   int
	CatchUpLimit   int
	Capacity       int
	RequestTimeout time.Duration
	// MinInterval rate limits scroll-triggered pagination. Zero disables it.
	MinInterval time.Duration
	UserID      int64
}

// DefaultConfig returns the stock page sizes.
func DefaultConfig() Config {
	return Config{
		PageSize:       50,
		ContextBefore:  30,
		ContextAfter:   30,
		RestoreBefore:  25,
		RestoreAfter:   50,
		CatchUpLimit:   100,
		Capacity:       2000,
		RequestTimeout: 15 * time.Second,
		MinInterval:    100 * time.Millisecond,
	}
}

// Hooks observe fetch outcomes.
type Hooks struct {
	OnFetch   func(op string, d time.Duration, err error)
	OnDropped func(op string)
}

// InboundResult says what HandleInbound did with a message.
type InboundResult int

const (
	InboundDropped InboundResult = iota
	InboundAppended
	InboundUpdated
	InboundQueued
)

// Controller owns the cursor and the loading lock. All methods must run on
// the scheduler's loop.
type Controller struct {
	cfg     Config
	cache   *cache.Cache
	src     HistorySource
	sched   loop.Scheduler
	limiter *rate.Limiter
	hooks   Hooks
	logger  zerolog.Logger

	// Blocked filters authors out of every page and inbound message.
	Blocked func(uid int64) bool
	// Pinned keeps entries across re-anchors and eviction.
	Pinned func(models.Message) bool

	cursor   Cursor
	atBottom bool
	unread   int
	missed   int

	loading    bool
	loadingOp  string
	generation uint64
	cancel     context.CancelFunc
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates a controller over c that fetches from src.
func New(c *cache.Cache, src HistorySource, sched loop.Scheduler, cfg Config, hooks Hooks) *Controller {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.ContextBefore <= 0 {
		cfg.ContextBefore = def.ContextBefore
	}
	if cfg.ContextAfter <= 0 {
		cfg.ContextAfter = def.ContextAfter
	}
	if cfg.RestoreBefore <= 0 {
		cfg.RestoreBefore = def.RestoreBefore
	}
	if cfg.RestoreAfter <= 0 {
		cfg.RestoreAfter = def.RestoreAfter
	}
	if cfg.CatchUpLimit <= 0 {
		cfg.CatchUpLimit = def.CatchUpLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		cache:      c,
		src:        src,
		sched:      sched,
		limiter:    rate.NewLimiter(limit, 1),
		hooks:      hooks,
		logger:     logging.Component("timeline"),
		cursor:     Cursor{IsLive: true},
		atBottom:   true,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Cursor returns the current cursor.
func (c *Controller) Cursor() Cursor { return c.cursor }

// Mode returns Live or Historical.
func (c *Controller) Mode() Mode {
	if c.cursor.IsLive {
		return ModeLive
	}
	return ModeHistorical
}

// UnreadWhileScrolled counts messages from others that arrived while the
// viewer was away from the bottom.
func (c *Controller) UnreadWhileScrolled() int { return c.unread }

// MissedWhileHistorical counts inbound messages not inserted because the
// view was anchored in history.
func (c *Controller) MissedWhileHistorical() int { return c.missed }

// Loading reports whether a history fetch holds the lock.
func (c *Controller) Loading() bool { return c.loading }

// AtBottom reports the last viewport position pushed in by the UI.
func (c *Controller) AtBottom() bool { return c.atBottom }

// Generation increases each time the lock is taken.
func (c *Controller) Generation() uint64 { return c.generation }

// Close cancels any in-flight fetch. Results that arrive later are ignored.
func (c *Controller) Close() {
	c.generation++
	c.loading = false
	c.baseCancel()
}

func (c *Controller) busy(op string) bool {
	if !c.loading {
		return false
	}
	c.logger.Debug().Str("op", op).Str("holder", c.loadingOp).Msg("history fetch dropped, lock held")
	if c.hooks.OnDropped != nil {
		c.hooks.OnDropped(op)
	}
	return true
}

// begin takes the loading lock. Pagination is dropped while the lock is
// held; re-anchoring preempts the holder, whose result is then ignored.
func (c *Controller) begin(op string, preempt bool) (uint64, context.Context, bool) {
	if !preempt && c.busy(op) {
		return 0, nil, false
	}
	if c.loading && c.cancel != nil {
		c.logger.Debug().Str("op", op).Str("holder", c.loadingOp).Msg("preempting history fetch")
		c.cancel()
	}
	c.generation++
	c.loading = true
	c.loadingOp = op
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.RequestTimeout)
	c.cancel = cancel
	return c.generation, ctx, true
}

// finish releases the lock for gen. It returns false when gen was
// superseded, in which case the caller must discard its result.
func (c *Controller) finish(gen uint64) bool {
	if gen != c.generation || !c.loading {
		return false
	}
	c.loading = false
	c.loadingOp = ""
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return true
}

func (c *Controller) allow(op string) bool {
	if c.limiter.AllowN(c.sched.Now(), 1) {
		return true
	}
	c.logger.Debug().Str("op", op).Msg("history fetch rate limited")
	if c.hooks.OnDropped != nil {
		c.hooks.OnDropped(op)
	}
	return false
}

func (c *Controller) observe(op string, started time.Time, err error) {
	if c.hooks.OnFetch != nil {
		c.hooks.OnFetch(op, c.sched.Now().Sub(started), err)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("history fetch failed")
	}
}

// LoadInitial anchors the view. A positive anchor loads a context window
// around it in Historical mode, falling back to the latest page when that
// fails. Otherwise the latest page is loaded in Live mode.
func (c *Controller) LoadInitial(anchor int64) {
	if anchor <= 0 {
		c.JumpToLatest()
		return
	}
	gen, ctx, _ := c.begin("initial", true)
	before, after := c.cfg.RestoreBefore, c.cfg.RestoreAfter
	started := c.sched.Now()
	c.sched.Go(func() {
		win, err := c.src.FetchContext(ctx, anchor, before, after)
		c.sched.Post(func() {
			if !c.finish(gen) {
				return
			}
			c.observe("initial", started, err)
			if err != nil || len(win.Messages) == 0 {
				c.logger.Info().Int64("anchor", anchor).Msg("anchor unavailable, loading latest")
				c.JumpToLatest()
				return
			}
			c.applyContext(win)
		})
	})
}

// LoadOlder fetches the page before the oldest loaded message.
func (c *Controller) LoadOlder() bool {
	if c.cursor.FullyLoadedBackward || c.cursor.OldestID == 0 {
		return false
	}
	if c.busy("older") {
		return false
	}
	if !c.allow("older") {
		return false
	}
	gen, ctx, _ := c.begin("older", false)
	oldest, limit := c.cursor.OldestID, c.cfg.PageSize
	started := c.sched.Now()
	c.sched.Go(func() {
		page, err := c.src.FetchBefore(ctx, oldest, limit)
		c.sched.Post(func() {
			if !c.finish(gen) {
				return
			}
			c.observe("older", started, err)
			if err != nil {
				return
			}
			c.cache.UpsertBatch(c.filter(page))
			if len(page) < limit {
				c.cursor.FullyLoadedBackward = true
			}
			if lo, _ := pageBounds(page); lo > 0 && lo < c.cursor.OldestID {
				c.cursor.OldestID = lo
			}
		})
	})
	return true
}

// LoadNewer fetches the page after the newest loaded message. It only
// applies in Historical mode; a short page means the tail was reached.
func (c *Controller) LoadNewer() bool {
	if c.cursor.IsLive {
		return false
	}
	if c.busy("newer") {
		return false
	}
	if !c.allow("newer") {
		return false
	}
	return c.fetchNewer("newer")
}

func (c *Controller) fetchNewer(op string) bool {
	gen, ctx, ok := c.begin(op, false)
	if !ok {
		return false
	}
	newest, limit := c.cursor.NewestID, c.cfg.PageSize
	started := c.sched.Now()
	c.sched.Go(func() {
		page, err := c.src.FetchAfter(ctx, newest, limit)
		c.sched.Post(func() {
			if !c.finish(gen) {
				return
			}
			c.observe(op, started, err)
			if err != nil {
				return
			}
			c.cache.UpsertBatch(c.filter(page))
			if _, hi := pageBounds(page); hi > c.cursor.NewestID {
				c.cursor.NewestID = hi
			}
			if len(page) < limit {
				// The tail is loaded, so confirmed sends cached past it are
				// now contiguous with the window.
				if _, newest := c.cache.ServerRange(); newest > c.cursor.NewestID {
					c.cursor.NewestID = newest
				}
				c.enterLive()
			}
		})
	})
	return true
}

// JumpTo discards the window and anchors Historical mode at id.
func (c *Controller) JumpTo(id int64) {
	gen, ctx, _ := c.begin("jump", true)
	before, after := c.cfg.ContextBefore, c.cfg.ContextAfter
	started := c.sched.Now()
	c.sched.Go(func() {
		win, err := c.src.FetchContext(ctx, id, before, after)
		c.sched.Post(func() {
			if !c.finish(gen) {
				return
			}
			c.observe("jump", started, err)
			if err != nil {
				return
			}
			if len(win.Messages) == 0 {
				c.logger.Warn().Int64("id", id).Msg("jump target not found")
				return
			}
			c.applyContext(win)
		})
	})
}

// JumpToLatest discards the window and reloads the tail in Live mode.
func (c *Controller) JumpToLatest() {
	gen, ctx, _ := c.begin("latest", true)
	limit := c.cfg.PageSize
	started := c.sched.Now()
	c.sched.Go(func() {
		page, err := c.src.FetchRecent(ctx, limit)
		c.sched.Post(func() {
			if !c.finish(gen) {
				return
			}
			c.observe("latest", started, err)
			if err != nil {
				return
			}
			c.cache.Reset(c.filter(page), c.Pinned)
			c.cursor = Cursor{FullyLoadedBackward: len(page) < limit}
			c.cursor.OldestID, c.cursor.NewestID = pageBounds(page)
			c.enterLive()
		})
	})
}

// CatchUp fills the gap between the loaded window and the server tail.
// In Historical mode it loads the next page; an empty or short page
// re-enters Live. In Live mode it asks how many messages were missed and
// either appends them or re-anchors at the tail when there are too many.
func (c *Controller) CatchUp() bool {
	if !c.cursor.IsLive {
		return c.fetchNewer("catchup")
	}
	if c.cursor.NewestID == 0 {
		if c.loading {
			return false
		}
		c.JumpToLatest()
		return true
	}
	gen, ctx, ok := c.begin("catchup", false)
	if !ok {
		return false
	}
	newest, limit, uid := c.cursor.NewestID, c.cfg.CatchUpLimit, c.cfg.UserID
	started := c.sched.Now()
	c.sched.Go(func() {
		count, err := c.src.UnreadCount(ctx, newest, uid)
		var page []models.Message
		if err == nil && count.Count > 0 && count.Count <= limit {
			page, err = c.src.FetchAfter(ctx, newest, limit)
		}
		c.sched.Post(func() {
			if !c.finish(gen) {
				return
			}
			c.observe("catchup", started, err)
			if err != nil {
				return
			}
			if count.Count > limit {
				c.logger.Info().Int("missed", count.Count).Msg("gap too large, reloading latest")
				c.JumpToLatest()
				return
			}
			for _, m := range c.filter(page) {
				c.appendLive(m)
			}
		})
	})
	return true
}

// HandleInbound applies a live message from the transport.
func (c *Controller) HandleInbound(msg models.Message) InboundResult {
	if c.isBlocked(msg.AuthorID) {
		return InboundDropped
	}
	if c.cache.Has(msg.ID) {
		c.cache.Upsert(msg)
		return InboundUpdated
	}
	if !c.cursor.IsLive {
		c.missed++
		if msg.AuthorID != c.cfg.UserID {
			c.unread++
		}
		return InboundQueued
	}
	c.appendLive(msg)
	return InboundAppended
}

func (c *Controller) appendLive(msg models.Message) {
	existed := c.cache.Has(msg.ID)
	c.cache.Upsert(msg)
	if existed {
		return
	}
	if msg.ID > c.cursor.NewestID {
		c.cursor.NewestID = msg.ID
	}
	if c.cursor.OldestID == 0 || (msg.ID > 0 && msg.ID < c.cursor.OldestID) {
		c.cursor.OldestID = msg.ID
	}
	if !c.atBottom && msg.AuthorID != c.cfg.UserID {
		c.unread++
	}
	if c.cfg.Capacity > 0 && c.cache.Len() > c.cfg.Capacity {
		c.Trim(c.cfg.Capacity)
	}
}

// Confirmed moves the live tail past a reconciled send. Reconciliation
// swaps cache entries directly, bypassing HandleInbound.
func (c *Controller) Confirmed(msg models.Message) {
	if !c.cursor.IsLive || msg.ID <= 0 {
		return
	}
	if msg.ID > c.cursor.NewestID {
		c.cursor.NewestID = msg.ID
	}
	if c.cursor.OldestID == 0 {
		c.cursor.OldestID = msg.ID
	}
}

// SetAtBottom records whether the viewer sits at the bottom of the window.
func (c *Controller) SetAtBottom(atBottom bool) {
	c.atBottom = atBottom
	if !atBottom {
		return
	}
	if c.cursor.IsLive {
		c.unread = 0
		return
	}
	if !c.loading {
		c.CatchUp()
	}
}

// Trim evicts the oldest entries beyond max while following the tail.
func (c *Controller) Trim(max int) int {
	if !c.cursor.IsLive {
		return 0
	}
	evicted := c.cache.EvictOldest(max, c.Pinned)
	if len(evicted) == 0 {
		return 0
	}
	c.refreshRange()
	c.cursor.FullyLoadedBackward = false
	c.logger.Debug().Int("evicted", len(evicted)).Int64("oldest", c.cursor.OldestID).Msg("trimmed cache")
	return len(evicted)
}

// ResetCounters clears the unread and missed counters.
func (c *Controller) ResetCounters() {
	c.unread = 0
	c.missed = 0
}

func (c *Controller) applyContext(win models.ContextWindow) {
	c.cache.Reset(c.filter(win.Messages), c.Pinned)
	c.cursor = Cursor{FullyLoadedBackward: !win.HasMoreBefore}
	c.cursor.OldestID, c.cursor.NewestID = pageBounds(win.Messages)
	c.unread = 0
	c.missed = 0
}

func (c *Controller) enterLive() {
	c.cursor.IsLive = true
	c.unread = 0
	c.missed = 0
}

// refreshRange derives the cursor from the cache. Only valid in Live mode,
// where every cached server id lies inside the window.
func (c *Controller) refreshRange() {
	oldest, newest := c.cache.ServerRange()
	c.cursor.OldestID = oldest
	c.cursor.NewestID = newest
}

// pageBounds returns the smallest and largest server ids in a fetched page.
// The cursor follows what was fetched rather than what is cached, since the
// cache may hold confirmed sends outside a Historical window.
func pageBounds(msgs []models.Message) (lo, hi int64) {
	for _, m := range msgs {
		if m.ID <= 0 {
			continue
		}
		if lo == 0 || m.ID < lo {
			lo = m.ID
		}
		if m.ID > hi {
			hi = m.ID
		}
	}
	return lo, hi
}

func (c *Controller) isBlocked(uid int64) bool {
	return c.Blocked != nil && c.Blocked(uid)
}

func (c *Controller) filter(msgs []models.Message) []models.Message {
	if c.Blocked == nil {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if !c.Blocked(m.AuthorID) {
			out = append(out, m)
		}
	}
	return out
}
