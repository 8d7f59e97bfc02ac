// Package config provides configuration management for routad.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for routad.
type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Events  EventsConfig  `mapstructure:"events"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
	Trace   TraceConfig   `mapstructure:"trace"`
}

// AgentConfig holds default timeouts and provider selection for the
// AgentManager.
type AgentConfig struct {
	// DefaultProvider names a default preset. routad only logs it at
	// startup; CreateSession always uses the provider its caller passes.
	DefaultProvider string `mapstructure:"defaultProvider"`

	// InitializeTimeoutSeconds is loaded and validated but not read by the
	// ACP driver, which uses its own fixed handshake timeouts.
	InitializeTimeoutSeconds int `mapstructure:"initializeTimeoutSeconds"`

	// PromptTimeoutSeconds is loaded and validated but not read by either
	// driver; both use their own fixed 300-second prompt timeout.
	PromptTimeoutSeconds int `mapstructure:"promptTimeoutSeconds"`

	// ShutdownGraceSeconds bounds how long routad waits for tracing spans to
	// flush during shutdown. KillSession does not wait on it: the child is
	// killed at once.
	ShutdownGraceSeconds int `mapstructure:"shutdownGraceSeconds"`

	// MaxSessions is loaded but not enforced: AgentManager places no limit
	// on the number of concurrent sessions.
	MaxSessions int `mapstructure:"maxSessions"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// Namespace is loaded but not applied: the NATS mirror publishes under
	// the fixed "routa.events." subject prefix.
	Namespace string `mapstructure:"namespace"`

	// PendingQueueSize is loaded and validated but not applied: the bus's
	// per-agent pending queues are unbounded and never drop events.
	PendingQueueSize int `mapstructure:"pendingQueueSize"`

	// BroadcastBufferSize is loaded and validated but not applied: every
	// subscriber channel uses the manager's fixed 256-slot capacity.
	BroadcastBufferSize int `mapstructure:"broadcastBufferSize"`
}

// DockerConfig holds the optional Docker-sandboxed spawn backend
// configuration.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// StoreConfig holds the reference sqlite Store configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// NATSConfig holds the optional NATS event bus mirror configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TraceConfig holds TraceRecorder configuration.
type TraceConfig struct {
	// Dir is the root directory JSONL trace files are written under.
	Dir string `mapstructure:"dir"`

	// ChunkFlushThreshold is the minimum buffered chunk size, in bytes,
	// before a partial text chunk is flushed to disk.
	ChunkFlushThreshold int `mapstructure:"chunkFlushThreshold"`
}

// InitializeTimeout returns InitializeTimeoutSeconds as a time.Duration.
func (a *AgentConfig) InitializeTimeout() time.Duration {
	return time.Duration(a.InitializeTimeoutSeconds) * time.Second
}

// PromptTimeout returns the prompt round-trip timeout as a time.Duration.
func (a *AgentConfig) PromptTimeout() time.Duration {
	return time.Duration(a.PromptTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the shutdown grace period as a time.Duration.
func (a *AgentConfig) ShutdownGrace() time.Duration {
	return time.Duration(a.ShutdownGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" under an orchestrated/production
// environment and "text" for interactive terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ROUTA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.defaultProvider", "claude")
	v.SetDefault("agent.initializeTimeoutSeconds", 10)
	v.SetDefault("agent.promptTimeoutSeconds", 300)
	v.SetDefault("agent.shutdownGraceSeconds", 5)
	v.SetDefault("agent.maxSessions", 0)

	v.SetDefault("events.namespace", "")
	v.SetDefault("events.pendingQueueSize", 256)
	v.SetDefault("events.broadcastBufferSize", 256)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "routa-agent-sandbox:latest")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./routa.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "routa-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("trace.dir", defaultTraceDir())
	v.SetDefault("trace.chunkFlushThreshold", 100)
}

// defaultDockerHost returns the platform socket path, honoring DOCKER_HOST.
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

func defaultTraceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.routa/traces"
	}
	return filepath.Join(home, ".routa", "traces")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults. Environment variables use the ROUTA_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (or the current
// directory and /etc/routa/ if empty) plus environment variables and
// defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROUTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ROUTA_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ROUTA_EVENTS_NAMESPACE")
	_ = v.BindEnv("store.path", "ROUTA_STORE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/routa/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Agent.PromptTimeoutSeconds <= 0 {
		errs = append(errs, "agent.promptTimeoutSeconds must be positive")
	}
	if cfg.Agent.InitializeTimeoutSeconds <= 0 {
		errs = append(errs, "agent.initializeTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Events.PendingQueueSize <= 0 {
		errs = append(errs, "events.pendingQueueSize must be positive")
	}
	if cfg.Events.BroadcastBufferSize <= 0 {
		errs = append(errs, "events.broadcastBufferSize must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
