// Package config handles chatsync configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/chatsync/internal/logging"
)

// Config is the root configuration structure for chatsync.
type Config struct {
	Backend    BackendConfig    `yaml:"backend" mapstructure:"backend"`
	User       UserConfig       `yaml:"user" mapstructure:"user"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Connection ConnectionConfig `yaml:"connection" mapstructure:"connection"`
	Presence   PresenceConfig   `yaml:"presence" mapstructure:"presence"`
	ReadState  ReadStateConfig  `yaml:"read_state" mapstructure:"read_state"`
	State      StateConfig      `yaml:"state" mapstructure:"state"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
}

// BackendConfig locates the chat server.
type BackendConfig struct {
	// BaseURL is the HTTP root of the history and read-state API.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// WSURL is the websocket endpoint. Derived from BaseURL when empty.
	WSURL string `yaml:"ws_url" mapstructure:"ws_url"`

	// Token is sent as a bearer token on both transports.
	Token string `yaml:"token" mapstructure:"token"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	ID       int64  `yaml:"id" mapstructure:"id"`
	Nickname string `yaml:"nickname" mapstructure:"nickname"`
	Avatar   string `yaml:"avatar" mapstructure:"avatar"`

	// SharePresence announces the user with join and typing frames.
	SharePresence bool `yaml:"share_presence" mapstructure:"share_presence"`

	// Blocked authors are hidden. Merged with the persisted block list.
	Blocked []int64 `yaml:"blocked" mapstructure:"blocked"`
}

// EngineConfig tunes the timeline and send behavior.
type EngineConfig struct {
	SendTimeout        time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
	PageSize           int           `yaml:"page_size" mapstructure:"page_size"`
	ContextBefore      int           `yaml:"context_before" mapstructure:"context_before"`
	ContextAfter       int           `yaml:"context_after" mapstructure:"context_after"`
	RestoreBefore      int           `yaml:"restore_before" mapstructure:"restore_before"`
	RestoreAfter       int           `yaml:"restore_after" mapstructure:"restore_after"`
	CatchUpLimit       int           `yaml:"catch_up_limit" mapstructure:"catch_up_limit"`
	CacheCapacity      int           `yaml:"cache_capacity" mapstructure:"cache_capacity"`
	HistoryMinInterval time.Duration `yaml:"history_min_interval" mapstructure:"history_min_interval"`

	// SystemAuthorID sorts after other authors at equal timestamps. Zero
	// disables the tie-break.
	SystemAuthorID int64 `yaml:"system_author_id" mapstructure:"system_author_id"`
}

// ConnectionConfig tunes the connection supervisor.
type ConnectionConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" mapstructure:"reconnect_max_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// NotificationMode "live" keeps the connection and heartbeat up while
	// the viewer is closed or hidden. "off" lets it go idle.
	NotificationMode string `yaml:"notification_mode" mapstructure:"notification_mode"`
}

type PresenceConfig struct {
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
	Window   int           `yaml:"window" mapstructure:"window"`
}

type ReadStateConfig struct {
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// StateConfig selects where client hints are persisted.
type StateConfig struct {
	// Backend is file, sqlite or memory.
	Backend  string        `yaml:"backend" mapstructure:"backend"`
	Path     string        `yaml:"path" mapstructure:"path"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console, auto).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

type MetricsConfig struct {
	// Listen is the address of the prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			RequestTimeout: 15 * time.Second,
		},
		User: UserConfig{
			SharePresence: true,
		},
		Engine: EngineConfig{
			SendTimeout:        10 * time.Second,
			PageSize:           50,
			ContextBefore:      30,
			ContextAfter:       30,
			RestoreBefore:      25,
			RestoreAfter:       50,
			CatchUpLimit:       100,
			CacheCapacity:      2000,
			HistoryMinInterval: 100 * time.Millisecond,
		},
		Connection: ConnectionConfig{
			ReconnectDelay:    2 * time.Second,
			ReconnectMaxDelay: 2 * time.Second,
			HeartbeatInterval: 25 * time.Second,
			PollInterval:      10 * time.Second,
			DialTimeout:       10 * time.Second,
			NotificationMode:  "off",
		},
		Presence: PresenceConfig{
			Debounce: 120 * time.Millisecond,
			Window:   150,
		},
		ReadState: ReadStateConfig{
			Debounce: 500 * time.Millisecond,
		},
		State: StateConfig{
			Backend:  "file",
			Path:     filepath.Join(dataDir(), "state.json"),
			Debounce: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatsync")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "chatsync")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend.base_url must be an http(s) URL")
		}
	}
	if c.Backend.WSURL != "" {
		u, err := url.Parse(c.Backend.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("backend.ws_url must be a ws(s) URL")
		}
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}
	if c.User.ID < 0 {
		return fmt.Errorf("user.id must not be negative")
	}

	if c.Engine.SendTimeout < 100*time.Millisecond {
		return fmt.Errorf("engine.send_timeout must be at least 100ms")
	}
	if c.Engine.PageSize < 1 || c.Engine.PageSize > 500 {
		return fmt.Errorf("engine.page_size must be between 1 and 500")
	}
	for name, v := range map[string]int{
		"engine.context_before": c.Engine.ContextBefore,
		"engine.context_after":  c.Engine.ContextAfter,
		"engine.restore_before": c.Engine.RestoreBefore,
		"engine.restore_after":  c.Engine.RestoreAfter,
		"engine.catch_up_limit": c.Engine.CatchUpLimit,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	if c.Engine.CacheCapacity != 0 && c.Engine.CacheCapacity < c.Engine.PageSize {
		return fmt.Errorf("engine.cache_capacity must be 0 or at least engine.page_size")
	}
	if c.Engine.HistoryMinInterval < 0 {
		return fmt.Errorf("engine.history_min_interval must not be negative")
	}

	if c.Connection.ReconnectDelay <= 0 {
		return fmt.Errorf("connection.reconnect_delay must be positive")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectDelay {
		return fmt.Errorf("connection.reconnect_max_delay must be at least connection.reconnect_delay")
	}
	if c.Connection.HeartbeatInterval < time.Second {
		return fmt.Errorf("connection.heartbeat_interval must be at least 1s")
	}
	if c.Connection.PollInterval < time.Second {
		return fmt.Errorf("connection.poll_interval must be at least 1s")
	}
	if c.Connection.DialTimeout <= 0 {
		return fmt.Errorf("connection.dial_timeout must be positive")
	}
	switch c.Connection.NotificationMode {
	case "live", "off":
	default:
		return fmt.Errorf("connection.notification_mode must be one of live, off")
	}

	if c.Presence.Debounce <= 0 || c.Presence.Window < 1 {
		return fmt.Errorf("presence.debounce and presence.window must be positive")
	}
	if c.ReadState.Debounce <= 0 {
		return fmt.Errorf("read_state.debounce must be positive")
	}

	switch c.State.Backend {
	case "file", "sqlite":
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the %s backend", c.State.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("state.backend must be one of file, sqlite, memory")
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("logging.format must be one of json, console, auto")
	}
	return nil
}

// WebSocketURL returns Backend.WSURL, or derives it from BaseURL by
// switching the scheme and appending /ws.
func (c *Config) WebSocketURL() string {
	if c.Backend.WSURL != "" {
		return c.Backend.WSURL
	}
	if c.Backend.BaseURL == "" {
		return ""
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// KeepAlive reports whether the notification mode needs a live
// connection regardless of the viewer.
func (c *Config) KeepAlive() bool {
	return c.Connection.NotificationMode == "live"
}

// StateKey namespaces persisted state by user.
func (c *Config) StateKey() string {
	if c.User.ID > 0 {
		return fmt.Sprintf("user-%d", c.User.ID)
	}
	return "anonymous"
}
