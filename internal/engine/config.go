package engine

import (
	"time"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/connection"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/optimistic"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/readstate"
	"github.com/tOgg1/chatsync/internal/timeline"
)

// Config configures an Engine.
type Config struct {
	User          models.User
	SharePresence bool
	// KeepAlive holds the connection and heartbeat up while the viewer is
	// closed or hidden, so notifications keep arriving.
	KeepAlive bool
	// ViewerOpen is the initial viewer state before persisted hints apply.
	ViewerOpen bool
	Blocked    []int64

	SystemAuthorID   int64
	SendTimeout      time.Duration
	RequestTimeout   time.Duration
	PresenceDebounce time.Duration
	PresenceWindow   int
	ReadDebounce     time.Duration

	Timeline   timeline.Config
	Connection connection.Config
}

// DefaultConfig returns an anonymous engine configuration with stock timings.
func DefaultConfig() Config {
	return Config{
		SharePresence:    true,
		SendTimeout:      optimistic.DefaultTimeout,
		RequestTimeout:   15 * time.Second,
		PresenceDebounce: presence.DefaultDebounce,
		PresenceWindow:   presence.DefaultWindow,
		ReadDebounce:     readstate.DefaultDebounce,
		Timeline:         timeline.DefaultConfig(),
		Connection:       connection.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.PresenceDebounce <= 0 {
		c.PresenceDebounce = def.PresenceDebounce
	}
	if c.PresenceWindow <= 0 {
		c.PresenceWindow = def.PresenceWindow
	}
	if c.ReadDebounce <= 0 {
		c.ReadDebounce = def.ReadDebounce
	}
	if c.Timeline.RequestTimeout <= 0 {
		c.Timeline.RequestTimeout = c.RequestTimeout
	}
	return c
}

// ConfigFrom maps the loaded file configuration onto an engine Config.
func ConfigFrom(cfg *config.Config) Config {
	out := DefaultConfig()
	out.User = models.User{
		ID:       cfg.User.ID,
		Nickname: cfg.User.Nickname,
		Avatar:   cfg.User.Avatar,
	}
	out.SharePresence = cfg.User.SharePresence
	out.KeepAlive = cfg.KeepAlive()
	out.Blocked = append([]int64(nil), cfg.User.Blocked...)
	out.SystemAuthorID = cfg.Engine.SystemAuthorID
	out.SendTimeout = cfg.Engine.SendTimeout
	out.RequestTimeout = cfg.Backend.RequestTimeout
	out.PresenceDebounce = cfg.Presence.Debounce
	out.PresenceWindow = cfg.Presence.Window
	out.ReadDebounce = cfg.ReadState.Debounce

	out.Timeline = timeline.Config{
		PageSize:       cfg.Engine.PageSize,
		ContextBefore:  cfg.Engine.ContextBefore,
		ContextAfter:   cfg.Engine.ContextAfter,
		RestoreBefore:  cfg.Engine.RestoreBefore,
		RestoreAfter:   cfg.Engine.RestoreAfter,
		CatchUpLimit:   cfg.Engine.CatchUpLimit,
		Capacity:       cfg.Engine.CacheCapacity,
		RequestTimeout: cfg.Backend.RequestTimeout,
		MinInterval:    cfg.Engine.HistoryMinInterval,
	}

	conn := connection.DefaultConfig()
	conn.ReconnectDelay = cfg.Connection.ReconnectDelay
	conn.ReconnectMaxDelay = cfg.Connection.ReconnectMaxDelay
	conn.HeartbeatInterval = cfg.Connection.HeartbeatInterval
	conn.PollInterval = cfg.Connection.PollInterval
	conn.DialTimeout = cfg.Connection.DialTimeout
	out.Connection = conn
	return out
}
