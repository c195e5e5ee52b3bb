// Package config loads host configuration from $PASEO_HOME/config.json,
// environment variables, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the host.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Timeline    TimelineConfig    `mapstructure:"timeline"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Terminal    TerminalConfig    `mapstructure:"terminal"`
	Checkout    CheckoutConfig    `mapstructure:"checkout"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Voice       VoiceConfig       `mapstructure:"voice"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds the WebSocket listener configuration.
type ServerConfig struct {
	// Address is "host:port", a bare ":port", or "unix:/path/to.sock".
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the persistence backend for agent snapshots and
// timeline shards. Driver "sqlite" stores under $PASEO_HOME/agents/;
// driver "postgres" uses the DSN.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file override
	DSN      string `mapstructure:"dsn"`  // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds the optional external event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TimelineConfig bounds the in-memory timeline per agent.
type TimelineConfig struct {
	MaxItems int `mapstructure:"maxItems"`
}

// PermissionsConfig controls the broker's auto-deny timeout.
type PermissionsConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// TerminalConfig holds terminal service defaults.
type TerminalConfig struct {
	DefaultCols     int `mapstructure:"defaultCols"`
	DefaultRows     int `mapstructure:"defaultRows"`
	ScrollbackLines int `mapstructure:"scrollbackLines"`
}

// CheckoutConfig tunes the git watcher.
type CheckoutConfig struct {
	DebounceMs  int `mapstructure:"debounceMs"`
	PollSeconds int `mapstructure:"pollSeconds"`
}

// ProvidersConfig overrides the provider binaries on PATH.
type ProvidersConfig struct {
	ClaudeBin   string `mapstructure:"claudeBin"`
	CodexBin    string `mapstructure:"codexBin"`
	OpencodeBin string `mapstructure:"opencodeBin"`
}

// MCPConfig gates the set_title tool bridge.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// VoiceConfig is a feature flag only; the speech pipeline is an external
// collaborator.
type VoiceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig gates the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the permission auto-deny timeout.
func (p *PermissionsConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Debounce returns the watcher debounce window.
func (c *CheckoutConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// PollInterval returns the HEAD poll interval.
func (c *CheckoutConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:7777")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "paseod")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("timeline.maxItems", 10000)
	v.SetDefault("permissions.timeoutSeconds", 300)

	v.SetDefault("terminal.defaultCols", 120)
	v.SetDefault("terminal.defaultRows", 40)
	v.SetDefault("terminal.scrollbackLines", 1000)

	v.SetDefault("checkout.debounceMs", 300)
	v.SetDefault("checkout.pollSeconds", 3)

	v.SetDefault("providers.claudeBin", "")
	v.SetDefault("providers.codexBin", "")
	v.SetDefault("providers.opencodeBin", "")

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("voice.enabled", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("PASEO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from $PASEO_HOME/config.json (when present),
// PASEO_* environment variables, and defaults.
func Load(homeDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if homeDir != "" {
		cfgFile := filepath.Join(homeDir, "config.json")
		if _, err := os.Stat(cfgFile); err == nil {
			v.SetConfigFile(cfgFile)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Address == "" {
		errs = append(errs, "server.address must be set")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required when storage.driver is postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Timeline.MaxItems <= 0 {
		errs = append(errs, "timeline.maxItems must be positive")
	}
	if cfg.Permissions.TimeoutSeconds <= 0 {
		errs = append(errs, "permissions.timeoutSeconds must be positive")
	}
	if cfg.Terminal.DefaultCols <= 0 || cfg.Terminal.DefaultRows <= 0 {
		errs = append(errs, "terminal.defaultCols and terminal.defaultRows must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
