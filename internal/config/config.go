// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/execution"
	"github.com/2389/coven-chat/internal/transport"
)

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "COVEN_CHAT_CONFIG"

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Stomp     StompConfig     `yaml:"stomp" toml:"stomp"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the gateway endpoints and credentials
type ServerConfig struct {
	WSURL       string `yaml:"ws_url" toml:"ws_url"`
	APIURL      string `yaml:"api_url" toml:"api_url"`
	Token       string `yaml:"token" toml:"token"`
	AssistantID string `yaml:"assistant_id" toml:"assistant_id"`
}

// StompConfig holds frame protocol settings
type StompConfig struct {
	AcceptVersion           string `yaml:"accept_version" toml:"accept_version"`
	GlobalTopic             string `yaml:"global_topic" toml:"global_topic"`
	ConversationTopicPrefix string `yaml:"conversation_topic_prefix" toml:"conversation_topic_prefix"`
	CancelDestination       string `yaml:"cancel_destination" toml:"cancel_destination"`
	ExecutionTopic          string `yaml:"execution_topic" toml:"execution_topic"`

	HeartBeat    time.Duration `yaml:"-" toml:"-"`
	HeartBeatRaw string        `yaml:"heartbeat" toml:"heartbeat"`
}

// ReconnectConfig holds backoff settings
type ReconnectConfig struct {
	GrowthFactor float64 `yaml:"growth_factor" toml:"growth_factor"`
	MaxAttempts  int     `yaml:"max_attempts" toml:"max_attempts"`

	BaseDelay      time.Duration `yaml:"-" toml:"-"`
	MaxDelay       time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BaseDelayRaw      string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw       string `yaml:"max_delay" toml:"max_delay"`
	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// ChatConfig holds conversation and history settings
type ChatConfig struct {
	PageSize          int      `yaml:"page_size" toml:"page_size"`
	CompletionMarkers []string `yaml:"completion_markers" toml:"completion_markers"`
	DedupeSize        int      `yaml:"dedupe_size" toml:"dedupe_size"`
	// ExecutionTeamID limits execution progress to one team; empty shows all.
	ExecutionTeamID string `yaml:"execution_team_id" toml:"execution_team_id"`

	Watchdog           time.Duration `yaml:"-" toml:"-"`
	StaleStreamTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL          time.Duration `yaml:"-" toml:"-"`
	ExecutionMaxAge    time.Duration `yaml:"-" toml:"-"`

	WatchdogRaw           string `yaml:"watchdog" toml:"watchdog"`
	StaleStreamTimeoutRaw string `yaml:"stale_stream_timeout" toml:"stale_stream_timeout"`
	DedupeTTLRaw          string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	ExecutionMaxAgeRaw    string `yaml:"execution_max_age" toml:"execution_max_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			WSURL:  "wss://localhost:7777/ws-linqra",
			APIURL: "https://localhost:7777",
		},
		Stomp: StompConfig{
			AcceptVersion:     "1.1,1.0",
			HeartBeatRaw:      "4s",
			GlobalTopic:       "/topic/chat",
			CancelDestination: "/app/chat-cancel",
			ExecutionTopic:    "/topic/execution",
		},
		Reconnect: ReconnectConfig{
			BaseDelayRaw:      "2s",
			MaxDelayRaw:       "30s",
			GrowthFactor:      1.5,
			MaxAttempts:       10,
			ConnectTimeoutRaw: "10s",
		},
		Chat: ChatConfig{
			PageSize:              10,
			WatchdogRaw:           "30s",
			StaleStreamTimeoutRaw: "2m",
			CompletionMarkers:     []string{"completed", "Success"},
			DedupeTTLRaw:          "5m",
			DedupeSize:            1024,
			ExecutionMaxAgeRaw:    "2m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464", Path: "/metrics"},
	}
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded and unset
// fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault resolves the config location and loads it. A missing file at
// a default location yields Default(); a missing file that was named
// explicitly is an error.
func LoadOrDefault(flagPath string) (*Config, string, error) {
	path, explicit := ResolvePath(flagPath)
	cfg, err := Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default(), "", nil
	}
	return nil, path, err
}

// ResolvePath returns the config path and whether the caller chose it.
// Priority: flag > COVEN_CHAT_CONFIG > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func ResolvePath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if envPath := os.Getenv(EnvPath); envPath != "" {
		return envPath, true
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml", false // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml"), false
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.WSURL == "" {
		return fmt.Errorf("server.ws_url is required")
	}
	u, err := url.Parse(c.Server.WSURL)
	if err != nil {
		return fmt.Errorf("server.ws_url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.ws_url must use ws or wss scheme")
	}

	if c.Server.APIURL == "" {
		return fmt.Errorf("server.api_url is required")
	}
	u, err = url.Parse(c.Server.APIURL)
	if err != nil {
		return fmt.Errorf("server.api_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.api_url must use http or https scheme")
	}

	if c.Stomp.GlobalTopic == "" {
		return fmt.Errorf("stomp.global_topic is required")
	}
	if c.Stomp.CancelDestination == "" {
		return fmt.Errorf("stomp.cancel_destination is required")
	}
	if c.Stomp.ExecutionTopic != "" && c.Stomp.ExecutionTopic == c.Stomp.GlobalTopic {
		return fmt.Errorf("stomp.execution_topic must differ from stomp.global_topic")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be below base_delay")
	}
	if c.Reconnect.GrowthFactor < 1 {
		return fmt.Errorf("reconnect.growth_factor must be at least 1")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.ConnectTimeout <= 0 {
		return fmt.Errorf("reconnect.connect_timeout must be positive")
	}

	if c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat.page_size must be positive")
	}
	if c.Chat.DedupeSize <= 0 {
		return fmt.Errorf("chat.dedupe_size must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stomp.heartbeat", cfg.Stomp.HeartBeatRaw, &cfg.Stomp.HeartBeat},
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"reconnect.connect_timeout", cfg.Reconnect.ConnectTimeoutRaw, &cfg.Reconnect.ConnectTimeout},
		{"chat.watchdog", cfg.Chat.WatchdogRaw, &cfg.Chat.Watchdog},
		{"chat.stale_stream_timeout", cfg.Chat.StaleStreamTimeoutRaw, &cfg.Chat.StaleStreamTimeout},
		{"chat.dedupe_ttl", cfg.Chat.DedupeTTLRaw, &cfg.Chat.DedupeTTL},
		{"chat.execution_max_age", cfg.Chat.ExecutionMaxAgeRaw, &cfg.Chat.ExecutionMaxAge},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// Transport converts the protocol and reconnect sections for the connection manager.
func (c *Config) Transport() transport.Config {
	tc := transport.DefaultConfig(c.Server.WSURL)
	tc.AcceptVersion = c.Stomp.AcceptVersion
	tc.HeartBeat = c.Stomp.HeartBeat
	tc.GlobalTopic = c.Stomp.GlobalTopic
	tc.ConnectTimeout = c.Reconnect.ConnectTimeout
	tc.Backoff = transport.Backoff{
		BaseDelay:    c.Reconnect.BaseDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
		GrowthFactor: c.Reconnect.GrowthFactor,
		MaxAttempts:  c.Reconnect.MaxAttempts,
	}
	tc.DedupeTTL = c.Chat.DedupeTTL
	tc.DedupeSize = c.Chat.DedupeSize
	return tc
}

// Session converts the chat section into conversation session options.
func (c *Config) Session() conversation.Options {
	opts := conversation.DefaultOptions()
	opts.Watchdog = c.Chat.Watchdog
	opts.StaleStreamTimeout = c.Chat.StaleStreamTimeout
	opts.CompletionMarkers = append([]string(nil), c.Chat.CompletionMarkers...)
	return opts
}

// Execution converts the chat section into the execution progress filter.
func (c *Config) Execution() execution.Filter {
	return execution.Filter{
		TeamID: c.Chat.ExecutionTeamID,
		MaxAge: c.Chat.ExecutionMaxAge,
	}
}
