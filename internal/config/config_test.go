package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROUTA_ENV", "")
	t.Setenv("KUBERNETES_SERVICE_HOST", "")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Agent.DefaultProvider)
	assert.Equal(t, 10, cfg.Agent.InitializeTimeoutSeconds)
	assert.Equal(t, 300, cfg.Agent.PromptTimeoutSeconds)
	assert.Equal(t, 256, cfg.Events.PendingQueueSize)
	assert.Equal(t, 256, cfg.Events.BroadcastBufferSize)
	assert.False(t, cfg.Docker.Enabled)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ROUTA_LOG_LEVEL", "debug")
	t.Setenv("ROUTA_STORE_PATH", "/tmp/override.db")
	t.Setenv("ROUTA_EVENTS_NAMESPACE", "team-a")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Equal(t, "team-a", cfg.Events.Namespace)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := &Config{
		Agent:   AgentConfig{InitializeTimeoutSeconds: 1, PromptTimeoutSeconds: 1},
		Events:  EventsConfig{PendingQueueSize: 1, BroadcastBufferSize: 1},
		Logging: LoggingConfig{Level: "verbose", Format: "json"},
	}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cfg := &Config{
		Agent:   AgentConfig{InitializeTimeoutSeconds: 0, PromptTimeoutSeconds: 0},
		Events:  EventsConfig{PendingQueueSize: 1, BroadcastBufferSize: 1},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promptTimeoutSeconds")
	assert.Contains(t, err.Error(), "initializeTimeoutSeconds")
}
