// Package engine owns the timeline, connection, presence and read state of
// one chat session and exposes them through a single-writer API.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/clientstate"
	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/connection"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/history"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/loop"
	"github.com/tOgg1/chatsync/internal/metrics"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/optimistic"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/protocol"
	"github.com/tOgg1/chatsync/internal/readstate"
	"github.com/tOgg1/chatsync/internal/timeline"
)

var (
	// ErrEngineStopped is returned by API calls after Shutdown.
	ErrEngineStopped = errors.New("engine stopped")
	// ErrNotStarted is returned by API calls before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrEmptyMessage is returned by Send for blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// restoreMinUnread is how many unread messages justify reopening the
// viewer at the saved browse position instead of the tail.
const restoreMinUnread = 5

// History is the request/response backend.
type History interface {
	timeline.HistorySource
	readstate.Backend
	PostMessage(ctx context.Context, req history.SendRequest) (*models.Message, error)
}

// Options carries the collaborators of an Engine. Dialer and History are
// required.
type Options struct {
	Clock     clock.Clock
	Dialer    connection.Dialer
	History   History
	State     *clientstate.Manager
	Metrics   *metrics.Metrics
	Publisher events.Publisher
}

// Engine is the single writer for all session state. Every exported method
// is safe for concurrent use; the work itself runs on the engine's loop.
type Engine struct {
	cfg     Config
	loop    *loop.Loop
	sched   stepScheduler
	history History
	state   *clientstate.Manager
	metrics *metrics.Metrics
	pub     events.Publisher
	logger  zerolog.Logger

	cache    *cache.Cache
	coord    *optimistic.Coordinator
	timeline *timeline.Controller
	sup      *connection.Supervisor
	presence *presence.Sync
	read     *readstate.Tracker

	baseCtx    context.Context
	baseCancel context.CancelFunc
	started    atomic.Bool
	stopOnce   sync.Once

	// Loop-owned state below.
	stopped     bool
	viewerOpen  bool
	pageVisible bool
	connects    int
	blocked     map[int64]struct{}
	visibleTop  int64
	visibleBot  int64
	onlineCount int
	failed      []string
	notes       []models.Notification
	seq         uint64
	seen        seenState
}

type timelineState struct {
	cacheVersion uint64
	cursor       timeline.Cursor
	loading      bool
	unread       int
	missed       int
}

type seenState struct {
	timeline    timelineState
	connection  connection.State
	presence    uint64
	lastRead    int64
	pendingRead int64
	onlineCount int
	pending     int
}

// New wires an engine. Start must be called before use.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Dialer == nil {
		return nil, errors.New("engine: dialer is required")
	}
	if opts.History == nil {
		return nil, errors.New("engine: history client is required")
	}
	cfg = cfg.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewInMemoryPublisher()
	}

	logger := logging.Component("engine").With().
		Int64("user_id", cfg.User.ID).
		Logger()
	logger = logging.WithSession(logger, uuid.NewString()[:8])

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		loop:        loop.New(opts.Clock),
		history:     opts.History,
		state:       opts.State,
		metrics:     opts.Metrics,
		pub:         opts.Publisher,
		logger:      logger,
		baseCtx:     ctx,
		baseCancel:  cancel,
		pageVisible: true,
		viewerOpen:  cfg.ViewerOpen,
		blocked:     make(map[int64]struct{}),
	}
	e.sched = stepScheduler{inner: e.loop, after: e.afterStep}
	for _, uid := range cfg.Blocked {
		e.blocked[uid] = struct{}{}
	}

	tb := cache.NoTieBreak
	if cfg.SystemAuthorID != 0 {
		tb = cache.SystemAuthorLast(cfg.SystemAuthorID)
	}
	e.cache = cache.New(tb)

	e.coord = optimistic.New(e.cache, e.sched, optimistic.Config{
		Timeout: cfg.SendTimeout,
		Author:  cfg.User,
	}, optimistic.Hooks{
		OnFailed: func(key string) {
			e.failed = append(e.failed, key)
			e.metrics.Send("failed")
		},
		OnConfirmed: func(_ string, latency time.Duration) {
			e.metrics.SendConfirmed(latency)
		},
	})

	tcfg := cfg.Timeline
	tcfg.UserID = cfg.User.ID
	e.timeline = timeline.New(e.cache, opts.History, e.sched, tcfg, timeline.Hooks{
		OnFetch:   e.metrics.HistoryFetch,
		OnDropped: e.metrics.HistoryDropped,
	})
	e.timeline.Blocked = e.isBlocked
	e.timeline.Pinned = func(m models.Message) bool { return m.IsPending() }

	ccfg := cfg.Connection
	if len(ccfg.PingFrame) == 0 {
		ccfg.PingFrame = protocol.Ping()
	}
	e.sup = connection.New(opts.Dialer, e.sched, ccfg, connection.Callbacks{
		Need:           e.needConnection,
		KeepAlive:      func() bool { return e.cfg.KeepAlive },
		OnConnected:    e.onConnected,
		OnDisconnected: e.onDisconnected,
		OnFrame:        e.handleFrame,
		OnStateChange: func(st connection.State) {
			e.metrics.ConnectionState(int(st))
		},
	})

	e.presence = presence.New(e.cache, e.sched, e.sendFrame, presence.Config{
		SelfID:   cfg.User.ID,
		Debounce: cfg.PresenceDebounce,
		Window:   cfg.PresenceWindow,
	})
	e.presence.Gate = func() bool {
		return e.viewerOpen && e.sup.State() == connection.StateConnected
	}
	e.presence.Blocked = e.isBlocked

	e.read = readstate.New(opts.History, e.sched, readstate.Config{
		UserID:         cfg.User.ID,
		Debounce:       cfg.ReadDebounce,
		RequestTimeout: cfg.RequestTimeout,
	}, readstate.Hooks{
		OnChange: func(id int64) {
			if e.state != nil {
				e.state.SetLastRead(id)
			}
		},
		OnPush: func(_ time.Duration, err error) {
			e.metrics.ReadPush(err)
		},
	})

	return e, nil
}

// Start loads persisted hints, starts the loop, anchors the timeline and
// begins connecting.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if e.state != nil {
		if err := e.state.Load(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("client state unavailable, starting fresh")
		}
	}
	go func() {
		_ = e.loop.Run(e.baseCtx)
	}()
	return e.call(ctx, e.boot)
}

func (e *Engine) boot() {
	if e.state != nil {
		hint := e.state.Snapshot()
		for _, uid := range hint.Blocked {
			e.blocked[uid] = struct{}{}
		}
		if hint.ChatOpen {
			e.viewerOpen = true
		}
		e.read.Seed(hint.LastReadID)
	}
	e.read.Load()
	e.restore()
	e.sup.Start()
	e.logger.Info().Bool("viewer_open", e.viewerOpen).Bool("keep_alive", e.cfg.KeepAlive).Msg("engine started")
}

// restore reopens the saved browse position when enough happened since the
// last visit to make it worth keeping; otherwise the tail is loaded.
func (e *Engine) restore() {
	anchor, ok := int64(0), false
	if e.state != nil {
		anchor, ok = e.state.BrowseAnchor()
	}
	if !ok || e.cfg.User.ID <= 0 {
		e.timeline.LoadInitial(0)
		return
	}
	since, uid := e.read.LastReadID(), e.cfg.User.ID
	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.RequestTimeout)
	e.sched.Go(func() {
		count, err := e.history.UnreadCount(ctx, since, uid)
		cancel()
		e.sched.Post(func() {
			if err == nil && count.Count > restoreMinUnread {
				e.logger.Info().Int64("anchor", anchor).Int("unread", count.Count).Msg("restoring browse position")
				e.timeline.LoadInitial(anchor)
				return
			}
			e.state.ClearBrowseAnchor()
			e.timeline.LoadInitial(0)
		})
	})
}

// Shutdown stops every timer, closes the connection, pushes an outstanding
// read cursor and flushes persisted state. It is safe to call twice.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		var pending int64
		if e.started.Load() {
			callErr := e.loop.Call(ctx, func() {
				e.stopped = true
				pending = e.read.PendingSyncID()
				e.sup.Shutdown()
				e.timeline.Close()
				e.coord.Stop()
				e.presence.Stop()
				e.read.Stop()
			})
			if callErr != nil && !errors.Is(callErr, loop.ErrStopped) {
				err = callErr
			}
		}
		e.baseCancel()
		e.loop.Stop()
		e.loop.Wait()

		if pending > 0 && e.cfg.User.ID > 0 {
			pushCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
			if _, perr := e.history.PutReadState(pushCtx, e.cfg.User.ID, pending); perr != nil {
				e.logger.Warn().Err(perr).Int64("id", pending).Msg("final read state push failed")
			}
			cancel()
		}
		if e.state != nil {
			if serr := e.state.Close(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		if c, ok := e.pub.(interface{ Close() }); ok {
			c.Close()
		}
		e.logger.Info().Msg("engine stopped")
	})
	return err
}

// call runs fn on the loop and waits for it, publishing any change it made.
func (e *Engine) call(ctx context.Context, fn func()) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	var stopped bool
	err := e.loop.Call(ctx, func() {
		if e.stopped {
			stopped = true
			return
		}
		fn()
		e.afterStep()
	})
	if errors.Is(err, loop.ErrStopped) || stopped {
		return ErrEngineStopped
	}
	return err
}

func (e *Engine) needConnection() bool {
	return e.viewerOpen || e.cfg.KeepAlive
}

func (e *Engine) isBlocked(uid int64) bool {
	_, ok := e.blocked[uid]
	return ok
}

func (e *Engine) sendFrame(frame []byte) error {
	return e.sup.Send(frame)
}

func (e *Engine) onConnected() {
	e.connects++
	e.metrics.Connected()
	uid := e.cfg.User.ID
	if uid > 0 {
		e.send(protocol.Identify(uid))
		if e.cfg.SharePresence {
			e.send(protocol.Join(e.cfg.User))
		}
	}
	if e.viewerOpen {
		e.send(protocol.Presence(true))
	}
	e.presence.Schedule()
	e.read.Resume()
	if e.connects > 1 && e.timeline.Mode() == timeline.ModeLive {
		e.timeline.CatchUp()
	}
}

func (e *Engine) onDisconnected(err error) {
	e.metrics.Disconnected()
	e.presence.Reset()
	if err != nil {
		e.logger.Debug().Err(err).Msg("connection lost")
	}
}

func (e *Engine) send(frame []byte) {
	if err := e.sup.Send(frame); err != nil {
		e.logger.Debug().Err(err).Str("type", protocol.FrameType(frame)).Msg("frame not sent")
	}
}

// afterStep runs at the end of every loop step and publishes one change
// event when anything observable moved.
func (e *Engine) afterStep() {
	if e.stopped {
		return
	}
	now := e.observe()
	var kinds []events.ChangeKind
	if now.timeline != e.seen.timeline || now.pending != e.seen.pending {
		kinds = append(kinds, events.KindTimeline)
	}
	if now.connection != e.seen.connection {
		kinds = append(kinds, events.KindConnection)
	}
	if now.presence != e.seen.presence {
		kinds = append(kinds, events.KindPresence)
	}
	if now.lastRead != e.seen.lastRead || now.pendingRead != e.seen.pendingRead {
		kinds = append(kinds, events.KindReadState)
	}
	if len(e.failed) > 0 {
		kinds = append(kinds, events.KindSendFailed)
	}
	if len(e.notes) > 0 {
		kinds = append(kinds, events.KindNotification)
	}
	if now.onlineCount != e.seen.onlineCount {
		kinds = append(kinds, events.KindOnlineCount)
	}
	e.seen = now
	if len(kinds) == 0 {
		return
	}

	e.metrics.CacheSize(e.cache.Len())
	e.metrics.Unread(now.timeline.unread)

	event := &events.ChangeEvent{
		Kinds:         kinds,
		Snapshot:      e.snapshot(),
		FailedKeys:    e.failed,
		Notifications: e.notes,
	}
	e.failed = nil
	e.notes = nil
	e.pub.Publish(e.baseCtx, event)
}

func (e *Engine) observe() seenState {
	return seenState{
		timeline: timelineState{
			cacheVersion: e.cache.Version(),
			cursor:       e.timeline.Cursor(),
			loading:      e.timeline.Loading(),
			unread:       e.timeline.UnreadWhileScrolled(),
			missed:       e.timeline.MissedWhileHistorical(),
		},
		connection:  e.sup.State(),
		presence:    e.presence.Version(),
		lastRead:    e.read.LastReadID(),
		pendingRead: e.read.PendingSyncID(),
		onlineCount: e.onlineCount,
		pending:     len(e.coord.Pending()),
	}
}

func (e *Engine) snapshot() *events.Snapshot {
	e.seq++
	cur := e.timeline.Cursor()
	return &events.Snapshot{
		Seq:                   e.seq,
		Messages:              e.cache.Ordered(),
		Mode:                  e.timeline.Mode().String(),
		OldestID:              cur.OldestID,
		NewestID:              cur.NewestID,
		FullyLoadedBackward:   cur.FullyLoadedBackward,
		Loading:               e.timeline.Loading(),
		UnreadWhileScrolled:   e.timeline.UnreadWhileScrolled(),
		MissedWhileHistorical: e.timeline.MissedWhileHistorical(),
		Connection:            e.sup.State().String(),
		LastReadID:            e.read.LastReadID(),
		PendingReadID:         e.read.PendingSyncID(),
		PendingSends:          e.coord.Pending(),
		Online:                e.presence.Online(),
		Typing:                e.presence.Typing(),
		OnlineCount:           e.onlineCount,
	}
}

// stepScheduler wraps the loop so that every posted result and timer
// callback ends with a change check.
type stepScheduler struct {
	inner loop.Scheduler
	after func()
}

func (s stepScheduler) Post(fn func()) {
	s.inner.Post(func() {
		fn()
		s.after()
	})
}

func (s stepScheduler) Go(fn func()) { s.inner.Go(fn) }

func (s stepScheduler) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return s.inner.AfterFunc(d, func() {
		fn()
		s.after()
	})
}

func (s stepScheduler) Now() time.Time { return s.inner.Now() }
