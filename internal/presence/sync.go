// Package presence keeps the server-side presence subscription set in step
// with the authors on screen and tracks who is online or typing.
package presence

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/loop"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/protocol"
)

const (
	DefaultDebounce = 120 * time.Millisecond
	DefaultWindow   = 150
)

// Config configures a Sync.
type Config struct {
	SelfID   int64
	Debounce time.Duration
	// Window is how many recent cache entries contribute authors.
	Window int
}

// Sender writes an encoded frame to the connection.
type Sender func(frame []byte) error

// Sync owns the subscription set and the online and typing maps. All
// methods must run on the loop.
type Sync struct {
	cfg    Config
	cache  *cache.Cache
	sched  loop.Scheduler
	send   Sender
	logger zerolog.Logger

	// Gate reports whether subscriptions are wanted at all, typically
	// connected and viewer open.
	Gate func() bool
	// Blocked hides typing from blocked users.
	Blocked func(uid int64) bool

	current  map[int64]struct{}
	online   map[int64]models.PresenceUser
	typing   map[int64]models.PresenceUser
	bottomID int64
	timer    clock.Timer
	version  uint64
}

// New creates a Sync reading authors from c.
func New(c *cache.Cache, sched loop.Scheduler, send Sender, cfg Config) *Sync {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Sync{
		cfg:     cfg,
		cache:   c,
		sched:   sched,
		send:    send,
		logger:  logging.Component("presence"),
		current: make(map[int64]struct{}),
		online:  make(map[int64]models.PresenceUser),
		typing:  make(map[int64]models.PresenceUser),
	}
}

// Version increases whenever the online or typing sets change.
func (s *Sync) Version() uint64 { return s.version }

// SetViewportBottom limits the author window to entries ending at id.
// Zero follows the newest entry.
func (s *Sync) SetViewportBottom(id int64) {
	if id == s.bottomID {
		return
	}
	s.bottomID = id
	s.Schedule()
}

// Schedule arms a trailing debounce that ends in Sync.
func (s *Sync) Schedule() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.sched.AfterFunc(s.cfg.Debounce, func() {
		s.timer = nil
		s.Sync()
	})
}

// Sync diffs the desired set against the current one and sends the
// changes: unsubscribes first, then subscribes and a query for the new ids.
func (s *Sync) Sync() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	desired := s.desired()

	if len(desired) == 0 {
		if len(s.current) > 0 {
			s.write(protocol.PresenceUnsubscribe(nil))
			s.current = make(map[int64]struct{})
		}
		return
	}

	var add, drop []int64
	for uid := range desired {
		if _, ok := s.current[uid]; !ok {
			add = append(add, uid)
		}
	}
	for uid := range s.current {
		if _, ok := desired[uid]; !ok {
			drop = append(drop, uid)
		}
	}
	sortIDs(add)
	sortIDs(drop)

	if len(drop) > 0 {
		s.write(protocol.PresenceUnsubscribe(drop))
	}
	if len(add) > 0 {
		s.write(protocol.PresenceSubscribe(add))
		s.write(protocol.PresenceQuery(add))
	}
	s.current = desired
	if len(add) > 0 || len(drop) > 0 {
		s.logger.Debug().Int("subscribed", len(add)).Int("unsubscribed", len(drop)).Int("total", len(desired)).Msg("presence synced")
	}
}

func (s *Sync) desired() map[int64]struct{} {
	out := make(map[int64]struct{})
	if s.Gate != nil && !s.Gate() {
		return out
	}
	for _, m := range s.cache.Tail(s.cfg.Window, s.bottomID) {
		if m.AuthorID > 0 {
			out[m.AuthorID] = struct{}{}
		}
	}
	return out
}

func (s *Sync) write(frame []byte) {
	if s.send == nil {
		return
	}
	if err := s.send(frame); err != nil {
		s.logger.Debug().Err(err).Str("type", protocol.FrameType(frame)).Msg("presence frame not sent")
	}
}

// HandleResult applies a presence_result batch.
func (s *Sync) HandleResult(users []models.PresenceUser) {
	for _, u := range users {
		s.HandleUpdate(u)
	}
}

// HandleUpdate applies a single presence change.
func (s *Sync) HandleUpdate(u models.PresenceUser) {
	if u.ID == 0 {
		return
	}
	_, was := s.online[u.ID]
	if u.Active {
		s.online[u.ID] = u
		s.version++
		return
	}
	if was {
		delete(s.online, u.ID)
		s.version++
	}
}

// TypingStarted records u as typing. Self and blocked users are ignored.
func (s *Sync) TypingStarted(u models.PresenceUser) bool {
	if u.ID == 0 || u.ID == s.cfg.SelfID {
		return false
	}
	if s.Blocked != nil && s.Blocked(u.ID) {
		return false
	}
	s.typing[u.ID] = u
	s.version++
	return true
}

// TypingStopped removes uid from the typing set.
func (s *Sync) TypingStopped(uid int64) bool {
	if _, ok := s.typing[uid]; !ok {
		return false
	}
	delete(s.typing, uid)
	s.version++
	return true
}

// Reset forgets subscriptions, online and typing state without sending
// anything. Used when the connection is gone.
func (s *Sync) Reset() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.online) > 0 || len(s.typing) > 0 {
		s.version++
	}
	s.current = make(map[int64]struct{})
	s.online = make(map[int64]models.PresenceUser)
	s.typing = make(map[int64]models.PresenceUser)
}

// Stop cancels the debounce.
func (s *Sync) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Subscribed returns the current subscription set, sorted.
func (s *Sync) Subscribed() []int64 {
	out := make([]int64, 0, len(s.current))
	for uid := range s.current {
		out = append(out, uid)
	}
	sortIDs(out)
	return out
}

// IsOnline reports whether uid is known to be online.
func (s *Sync) IsOnline(uid int64) bool {
	_, ok := s.online[uid]
	return ok
}

// Online returns the online users sorted by id.
func (s *Sync) Online() []models.PresenceUser {
	return sortedUsers(s.online)
}

// Typing returns the typing users sorted by id.
func (s *Sync) Typing() []models.PresenceUser {
	return sortedUsers(s.typing)
}

func sortedUsers(m map[int64]models.PresenceUser) []models.PresenceUser {
	out := make([]models.PresenceUser, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
