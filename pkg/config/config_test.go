package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshspace/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "ws://localhost:8081/ws", cfg.Signal.URL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100*time.Millisecond, cfg.Session.TickInterval)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.CapDelay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
signal:
  url: "ws://relay.example:9001/ws"

session:
  display_name: "visitor"
  tick_interval: 50ms
  proximity_interval: 2s
  max_media_distance: 25
  spawn_spread: 10

reconnect:
  base_delay: 500ms
  cap_delay: 10s
  max_attempts: 5

logging:
  level: "debug"
`)

	t.Setenv("MESHSPACE_SIGNAL_URL", "ws://override.example/ws")
	t.Setenv("MESHSPACE_DISPLAY_NAME", "env-visitor")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://override.example/ws", cfg.Signal.URL)
	assert.Equal(t, "env-visitor", cfg.Session.DisplayName)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.TickInterval)
	assert.Equal(t, 2*time.Second, cfg.Session.ProximityInterval)
	assert.Equal(t, 25.0, cfg.Session.MaxMediaDistance)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero tick interval", func(c *config.Config) { c.Session.TickInterval = 0 }},
		{"zero media distance", func(c *config.Config) { c.Session.MaxMediaDistance = 0 }},
		{"cap below base", func(c *config.Config) { c.Reconnect.CapDelay = c.Reconnect.BaseDelay / 2 }},
		{"zero attempts", func(c *config.Config) { c.Reconnect.MaxAttempts = 0 }},
		{"half port range", func(c *config.Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"auth without secret", func(c *config.Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, config.DefaultConfig().Validate())
}
