package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_BACKEND_TOKEN.
const EnvPrefix = "CHATSYNC"

// Loader layers chatsync configuration sources on a private viper instance.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader returns a Loader with no explicit file.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile pins the config file; a missing pinned file is an error.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Set overrides a single key, typically from a CLI flag.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Load resolves defaults < config file < CHATSYNC_* env < values passed to
// Set. A discovered file that fails to parse is an error, not a fallback.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Unmarshal drops env values for nested keys when a file is present.
	l.applyEnvOverrides(cfg)

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde resolves a leading ~ against the home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.State.Path = expandTilde(cfg.State.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "chatsync"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "chatsync"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	v.SetDefault("backend.ws_url", cfg.Backend.WSURL)
	v.SetDefault("backend.token", cfg.Backend.Token)
	v.SetDefault("backend.request_timeout", cfg.Backend.RequestTimeout)

	v.SetDefault("user.id", cfg.User.ID)
	v.SetDefault("user.nickname", cfg.User.Nickname)
	v.SetDefault("user.avatar", cfg.User.Avatar)
	v.SetDefault("user.share_presence", cfg.User.SharePresence)

	v.SetDefault("engine.send_timeout", cfg.Engine.SendTimeout)
	v.SetDefault("engine.page_size", cfg.Engine.PageSize)
	v.SetDefault("engine.context_before", cfg.Engine.ContextBefore)
	v.SetDefault("engine.context_after", cfg.Engine.ContextAfter)
	v.SetDefault("engine.restore_before", cfg.Engine.RestoreBefore)
	v.SetDefault("engine.restore_after", cfg.Engine.RestoreAfter)
	v.SetDefault("engine.catch_up_limit", cfg.Engine.CatchUpLimit)
	v.SetDefault("engine.cache_capacity", cfg.Engine.CacheCapacity)
	v.SetDefault("engine.history_min_interval", cfg.Engine.HistoryMinInterval)
	v.SetDefault("engine.system_author_id", cfg.Engine.SystemAuthorID)

	v.SetDefault("connection.reconnect_delay", cfg.Connection.ReconnectDelay)
	v.SetDefault("connection.reconnect_max_delay", cfg.Connection.ReconnectMaxDelay)
	v.SetDefault("connection.heartbeat_interval", cfg.Connection.HeartbeatInterval)
	v.SetDefault("connection.poll_interval", cfg.Connection.PollInterval)
	v.SetDefault("connection.dial_timeout", cfg.Connection.DialTimeout)
	v.SetDefault("connection.notification_mode", cfg.Connection.NotificationMode)

	v.SetDefault("presence.debounce", cfg.Presence.Debounce)
	v.SetDefault("presence.window", cfg.Presence.Window)
	v.SetDefault("read_state.debounce", cfg.ReadState.Debounce)

	v.SetDefault("state.backend", cfg.State.Backend)
	v.SetDefault("state.path", cfg.State.Path)
	v.SetDefault("state.debounce", cfg.State.Debounce)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed is the path viper read, or empty when only defaults and
// environment applied.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault searches the XDG and home config directories.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

var envBindings = []string{
	"backend.base_url",
	"backend.ws_url",
	"backend.token",
	"backend.request_timeout",
	"user.id",
	"user.nickname",
	"user.share_presence",
	"engine.send_timeout",
	"engine.page_size",
	"connection.notification_mode",
	"connection.reconnect_delay",
	"connection.reconnect_max_delay",
	"state.backend",
	"state.path",
	"logging.level",
	"logging.format",
	"logging.file",
	"metrics.listen",
}

// bindEnvVars binds CHATSYNC_* variables for nested keys explicitly.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}

// applyEnvOverrides re-reads the string settings most often supplied by
// the environment.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	if s := v.GetString("backend.base_url"); s != "" {
		cfg.Backend.BaseURL = s
	}
	if s := v.GetString("backend.ws_url"); s != "" {
		cfg.Backend.WSURL = s
	}
	if s := v.GetString("backend.token"); s != "" {
		cfg.Backend.Token = s
	}
	if id := v.GetInt64("user.id"); id != 0 {
		cfg.User.ID = id
	}
	if s := v.GetString("state.path"); s != "" {
		cfg.State.Path = s
	}
	if s := v.GetString("logging.level"); s != "" && s != "info" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("logging.format"); s != "" && s != "auto" {
		cfg.Logging.Format = s
	}
	if s := v.GetString("logging.file"); s != "" {
		cfg.Logging.File = s
	}
}
