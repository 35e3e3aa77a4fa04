package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults verifies that Load applies defaults when only the
// required secret is supplied through the environment.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("NEXUS_AUTH_JWTSECRET", "test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(4096), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 256, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Typing.Window)
	assert.Equal(t, 2500*time.Millisecond, cfg.Typing.SweepInterval)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "token", cfg.Auth.TokenQueryParam)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
}

// TestLoadEnvOverrides verifies environment variables take precedence.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NEXUS_AUTH_JWTSECRET", "s")
	t.Setenv("NEXUS_SERVER_ADDR", ":9999")
	t.Setenv("NEXUS_SERVER_ALLOWEDORIGINS", "https://a.example, https://b.example")
	t.Setenv("NEXUS_TYPING_WINDOW", "2s")
	t.Setenv("NEXUS_STORE_DRIVER", "sqlite")
	t.Setenv("NEXUS_STORE_DSN", "/tmp/n.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Typing.Window)
	assert.Equal(t, time.Second, cfg.Typing.SweepInterval, "sweep interval is clamped to window/2")
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/n.db", cfg.Store.DSN)
}

// TestLoadFile verifies YAML configuration, including pass-through events.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.yaml")
	content := `
auth:
  jwtSecret: file-secret
websocket:
  sendBufferSize: 8
events:
  passthrough:
    file:upload: file:uploaded
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 8, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, map[string]string{"file:upload": "file:uploaded"}, cfg.Events.Passthrough)
}

// TestLoadMissingExplicitFile verifies an explicitly named file must exist.
func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestValidate covers the rejection rules.
func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:    ServerConfig{Addr: ":8080"},
			WebSocket: WebSocketConfig{MaxMessageSize: 1, SendBufferSize: 1, IdleTimeout: time.Minute, PingInterval: time.Second},
			RateLimit: RateLimitConfig{Burst: 1, RefillInterval: time.Second},
			Typing:    TypingConfig{Window: time.Second},
			Auth:      AuthConfig{JWTSecret: "s", TokenQueryParam: "token"},
			Store:     StoreConfig{Driver: "memory"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero send buffer", func(c *Config) { c.WebSocket.SendBufferSize = 0 }},
		{"ping not below idle", func(c *Config) { c.WebSocket.PingInterval = time.Minute }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"redis without dsn", func(c *Config) { c.Store.Driver = "redis" }},
		{"empty passthrough target", func(c *Config) { c.Events.Passthrough = map[string]string{"a": ""} }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
