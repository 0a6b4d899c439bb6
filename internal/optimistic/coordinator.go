// Package optimistic tracks locally originated sends from the moment they
// are shown until the server confirms them, they time out, or the caller
// abandons them.
package optimistic

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/cache"
	"github.com/tOgg1/chatsync/internal/clock"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/loop"
	"github.com/tOgg1/chatsync/internal/models"
)

// DefaultTimeout is how long a send may stay unconfirmed before it fails.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownKey is returned for a stable key with no pending send.
	ErrUnknownKey = errors.New("unknown stable key")
	// ErrNotFailed is returned when retrying a send that has not failed.
	ErrNotFailed = errors.New("send has not failed")
)

// Config configures a Coordinator.
type Config struct {
	Timeout time.Duration
	// Author fills nickname and avatar on optimistic entries.
	Author models.User
	// NewKey generates stable keys. Defaults to random UUIDs.
	NewKey func() string
}

// Hooks observe send outcomes.
type Hooks struct {
	OnFailed    func(key string)
	OnConfirmed func(key string, latency time.Duration)
}

type pendingSend struct {
	id      int64
	started time.Time
	timer   clock.Timer
}

// Coordinator owns the optimistic entries in a cache.
type Coordinator struct {
	cfg    Config
	cache  *cache.Cache
	sched  loop.Scheduler
	hooks  Hooks
	logger zerolog.Logger

	nextID  int64
	pending map[string]*pendingSend
}

// New creates a coordinator writing into c.
func New(c *cache.Cache, sched loop.Scheduler, cfg Config, hooks Hooks) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NewKey == nil {
		cfg.NewKey = func() string { return uuid.NewString() }
	}
	return &Coordinator{
		cfg:     cfg,
		cache:   c,
		sched:   sched,
		hooks:   hooks,
		logger:  logging.Component("optimistic"),
		pending: make(map[string]*pendingSend),
	}
}

// BeginSend inserts a sending entry with a fresh negative id, arms its
// timeout and returns its stable key.
func (c *Coordinator) BeginSend(content string, authorID int64, reply *models.ReplyContext) string {
	c.nextID--
	key := c.cfg.NewKey()
	now := c.sched.Now()

	msg := models.Message{
		ID:        c.nextID,
		StableKey: key,
		AuthorID:  authorID,
		Timestamp: now.Unix(),
		Content:   content,
		State:     models.MessageSending,
	}
	if authorID == c.cfg.Author.ID {
		msg.Nickname = c.cfg.Author.Nickname
		msg.Avatar = c.cfg.Author.Avatar
	}
	if reply != nil {
		r := *reply
		msg.Reply = &r
		msg.ReplyToID = r.ID
	}
	c.cache.Upsert(msg)

	p := &pendingSend{id: msg.ID, started: now}
	p.timer = c.armTimeout(key)
	c.pending[key] = p

	c.logger.Debug().Str("key", key).Int64("id", msg.ID).Msg("send started")
	return key
}

// Reconcile applies a server-confirmed message. When stableKey matches a
// pending send, the optimistic entry is swapped for the confirmed one in a
// single cache mutation and Reconcile returns true. Otherwise the message
// is stored like any other.
func (c *Coordinator) Reconcile(confirmed models.Message, stableKey string) bool {
	confirmed.State = models.MessageSent
	if stableKey == "" {
		stableKey = confirmed.StableKey
	}
	if stableKey == "" {
		c.cache.Upsert(confirmed)
		return false
	}
	confirmed.StableKey = stableKey

	p, ok := c.pending[stableKey]
	if !ok {
		c.cache.Upsert(confirmed)
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, stableKey)

	if existing, ok := c.cache.Get(p.id); ok {
		if confirmed.Reply == nil && existing.Reply != nil {
			confirmed.Reply = existing.Reply
		}
	}
	c.cache.Replace(p.id, confirmed)

	latency := c.sched.Now().Sub(p.started)
	c.logger.Debug().Str("key", stableKey).Int64("id", confirmed.ID).Dur("latency", latency).Msg("send confirmed")
	if c.hooks.OnConfirmed != nil {
		c.hooks.OnConfirmed(stableKey, latency)
	}
	return true
}

// Timeout flips a still-sending entry to failed. It reports whether the
// entry changed.
func (c *Coordinator) Timeout(key string) bool {
	p, ok := c.pending[key]
	if !ok {
		return false
	}
	p.timer = nil
	return c.markFailed(key, p)
}

// Fail marks a pending send failed immediately, for example when the
// transport rejected it.
func (c *Coordinator) Fail(key string) bool {
	p, ok := c.pending[key]
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return c.markFailed(key, p)
}

func (c *Coordinator) markFailed(key string, p *pendingSend) bool {
	changed := false
	c.cache.Update(p.id, func(m *models.Message) {
		if m.State == models.MessageSending {
			m.State = models.MessageFailed
			changed = true
		}
	})
	if changed {
		c.logger.Warn().Str("key", key).Int64("id", p.id).Msg("send failed")
		if c.hooks.OnFailed != nil {
			c.hooks.OnFailed(key)
		}
	}
	return changed
}

// Retry flips a failed send back to sending, keeping its id, re-arms the
// timeout and returns the message so the caller can resubmit it.
func (c *Coordinator) Retry(key string) (models.Message, error) {
	p, ok := c.pending[key]
	if !ok {
		return models.Message{}, ErrUnknownKey
	}
	current, ok := c.cache.Get(p.id)
	if !ok {
		delete(c.pending, key)
		return models.Message{}, ErrUnknownKey
	}
	if current.State != models.MessageFailed {
		return models.Message{}, ErrNotFailed
	}
	c.cache.Update(p.id, func(m *models.Message) {
		m.State = models.MessageSending
	})
	p.started = c.sched.Now()
	p.timer = c.armTimeout(key)

	out, _ := c.cache.Get(p.id)
	return out, nil
}

// Discard removes a pending send entirely.
func (c *Coordinator) Discard(key string) error {
	p, ok := c.pending[key]
	if !ok {
		return ErrUnknownKey
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, key)
	c.cache.Remove(p.id)
	return nil
}

// Lookup returns the current entry for a pending send.
func (c *Coordinator) Lookup(key string) (models.Message, bool) {
	p, ok := c.pending[key]
	if !ok {
		return models.Message{}, false
	}
	return c.cache.Get(p.id)
}

// Pending returns the stable keys of unconfirmed sends, oldest first.
func (c *Coordinator) Pending() []string {
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.pending[keys[i]].id > c.pending[keys[j]].id
	})
	return keys
}

// Stop cancels every send timer. Entries stay in the cache.
func (c *Coordinator) Stop() {
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
}

func (c *Coordinator) armTimeout(key string) clock.Timer {
	return c.sched.AfterFunc(c.cfg.Timeout, func() {
		c.Timeout(key)
	})
}
