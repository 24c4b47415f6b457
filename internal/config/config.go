package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete pathwatch configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Push        PushConfig        `mapstructure:"push"`
	Convergence ConvergenceConfig `mapstructure:"convergence"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Journal     JournalConfig     `mapstructure:"journal"`
}

// ServerConfig addresses the REST backend
type ServerConfig struct {
	// BaseURL is the API origin, e.g. https://study.example.com
	BaseURL string `mapstructure:"base_url"`
	// Token is sent as a bearer token on every request
	Token string `mapstructure:"token"`
	// UserID is the viewer's identity; push envelopes on other channels are ignored
	UserID string `mapstructure:"user_id"`
	// RequestTimeoutMs bounds a single HTTP request
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	// MaxRetries is how many times a retryable pull is retried (commands never retry)
	MaxRetries int `mapstructure:"max_retries"`
}

// PushConfig controls the push channel client
type PushConfig struct {
	// URL is the websocket endpoint. Empty derives it from server.base_url.
	URL string `mapstructure:"url"`
	// MinBackoffMs is the first reconnect delay
	MinBackoffMs int `mapstructure:"min_backoff_ms"`
	// MaxBackoffMs caps the exponential reconnect delay
	MaxBackoffMs int `mapstructure:"max_backoff_ms"`
	// ReadLimitBytes caps a single push message
	ReadLimitBytes int64 `mapstructure:"read_limit_bytes"`
}

// ConvergenceConfig controls the fallback re-synchronization triggers
type ConvergenceConfig struct {
	// StreamPollIntervalMs is the message list poll interval while a message streams
	StreamPollIntervalMs int `mapstructure:"stream_poll_interval_ms"`
	// TerminalDebounceMs is the delay before the final pull after a watched job ends
	TerminalDebounceMs int `mapstructure:"terminal_debounce_ms"`
	// ReconnectInvalidate re-pulls mounted collections when the push channel reconnects
	ReconnectInvalidate bool `mapstructure:"reconnect_invalidate"`
}

// DispatchConfig classifies job types
type DispatchConfig struct {
	// PathJobTypes participate in the placeholder lifecycle
	PathJobTypes []string `mapstructure:"path_job_types"`
	// ChatJobTypes drive thread convergence
	ChatJobTypes []string `mapstructure:"chat_job_types"`
	// Routes map secondary job types to dependent collection invalidations
	Routes []RouteConfig `mapstructure:"routes"`
}

// RouteConfig maps job types matching Pattern (a glob) to an invalidation of
// Collection keyed by the payload field KeyField.
type RouteConfig struct {
	Pattern    string `mapstructure:"pattern"`
	Collection string `mapstructure:"collection"`
	KeyField   string `mapstructure:"key_field"`
}

// LoggingConfig controls debug logging
type LoggingConfig struct {
	// Enabled writes logs to Dir; when false logs are discarded
	Enabled bool `mapstructure:"enabled"`
	// Level is debug, info, warn or error
	Level string `mapstructure:"level"`
	// Dir holds debug.log. Empty means {config dir}/logs.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB triggers rotation
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// JournalConfig controls the push envelope journal
type JournalConfig struct {
	// Enabled records every received envelope
	Enabled bool `mapstructure:"enabled"`
	// Path is the sqlite database file. Empty means {config dir}/journal.db.
	Path string `mapstructure:"path"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:          "http://localhost:8080",
			RequestTimeoutMs: 15000,
			MaxRetries:       3,
		},
		Push: PushConfig{
			MinBackoffMs:   250,
			MaxBackoffMs:   4000,
			ReadLimitBytes: 1 << 20,
		},
		Convergence: ConvergenceConfig{
			StreamPollIntervalMs: 2000,
			TerminalDebounceMs:   750,
			ReconnectInvalidate:  true,
		},
		Dispatch: DispatchConfig{
			PathJobTypes: []string{"learning_build"},
			ChatJobTypes: []string{"chat_respond"},
			Routes: []RouteConfig{
				{Pattern: "node_*_render", Collection: "node", KeyField: "node_id"},
				{Pattern: "node_doc_patch", Collection: "node_doc", KeyField: "node_id"},
			},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Journal: JournalConfig{
			Enabled: false,
		},
	}
}

// RequestTimeout returns the request timeout as a time.Duration
func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// MinBackoff returns the first reconnect delay
func (c *PushConfig) MinBackoff() time.Duration {
	return time.Duration(c.MinBackoffMs) * time.Millisecond
}

// MaxBackoff returns the reconnect delay cap
func (c *PushConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// StreamPollInterval returns the streaming poll interval
func (c *ConvergenceConfig) StreamPollInterval() time.Duration {
	return time.Duration(c.StreamPollIntervalMs) * time.Millisecond
}

// TerminalDebounce returns the delay before the terminal convergence pull
func (c *ConvergenceConfig) TerminalDebounce() time.Duration {
	return time.Duration(c.TerminalDebounceMs) * time.Millisecond
}

// PushURL returns the websocket endpoint, deriving ws(s)://host/ws from the
// server base URL when push.url is unset.
func (c *Config) PushURL() string {
	if c.Push.URL != "" {
		return c.Push.URL
	}
	base := strings.TrimRight(c.Server.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// LogDir returns the resolved log directory
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(ConfigDir(), "logs")
}

// JournalPath returns the resolved journal database path
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(ConfigDir(), "journal.db")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.base_url", defaults.Server.BaseURL)
	viper.SetDefault("server.token", defaults.Server.Token)
	viper.SetDefault("server.user_id", defaults.Server.UserID)
	viper.SetDefault("server.request_timeout_ms", defaults.Server.RequestTimeoutMs)
	viper.SetDefault("server.max_retries", defaults.Server.MaxRetries)

	// Push defaults
	viper.SetDefault("push.url", defaults.Push.URL)
	viper.SetDefault("push.min_backoff_ms", defaults.Push.MinBackoffMs)
	viper.SetDefault("push.max_backoff_ms", defaults.Push.MaxBackoffMs)
	viper.SetDefault("push.read_limit_bytes", defaults.Push.ReadLimitBytes)

	// Convergence defaults
	viper.SetDefault("convergence.stream_poll_interval_ms", defaults.Convergence.StreamPollIntervalMs)
	viper.SetDefault("convergence.terminal_debounce_ms", defaults.Convergence.TerminalDebounceMs)
	viper.SetDefault("convergence.reconnect_invalidate", defaults.Convergence.ReconnectInvalidate)

	// Dispatch defaults
	viper.SetDefault("dispatch.path_job_types", defaults.Dispatch.PathJobTypes)
	viper.SetDefault("dispatch.chat_job_types", defaults.Dispatch.ChatJobTypes)
	viper.SetDefault("dispatch.routes", routeDefaults(defaults.Dispatch.Routes))

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Journal defaults
	viper.SetDefault("journal.enabled", defaults.Journal.Enabled)
	viper.SetDefault("journal.path", defaults.Journal.Path)
}

// routeDefaults converts routes to the map form viper decodes from yaml.
func routeDefaults(routes []RouteConfig) []map[string]any {
	out := make([]map[string]any, 0, len(routes))
	for _, r := range routes {
		out = append(out, map[string]any{
			"pattern":    r.Pattern,
			"collection": r.Collection,
			"key_field":  r.KeyField,
		})
	}
	return out
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Watch re-loads the configuration whenever the config file changes and
// passes each valid result to onChange. Invalid edits are reported to
// onError and otherwise ignored.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pathwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pathwatch"
	}
	return filepath.Join(home, ".config", "pathwatch")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
