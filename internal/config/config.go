// Package config loads runtime settings for the real-time server from
// defaults, an optional YAML file, and NEXUS_-prefixed environment variables,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable key.
const EnvPrefix = "NEXUS"

// Config holds the full server configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Typing        TypingConfig        `mapstructure:"typing"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Store         StoreConfig         `mapstructure:"store"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Events        EventsConfig        `mapstructure:"events"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
}

// WebSocketConfig covers per-connection transport limits and liveness.
type WebSocketConfig struct {
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
	SendBufferSize int           `mapstructure:"sendBufferSize"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	PingInterval   time.Duration `mapstructure:"pingInterval"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refillInterval"`
}

// TypingConfig sets the typing debounce window and its expiry sweep.
type TypingConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

// AuthConfig configures the JWT identity verifier.
type AuthConfig struct {
	JWTSecret          string `mapstructure:"jwtSecret"`
	Issuer             string `mapstructure:"issuer"`
	TokenQueryParam    string `mapstructure:"tokenQueryParam"`
	RevocationRedisURL string `mapstructure:"revocationRedisUrl"`
	RevocationKey      string `mapstructure:"revocationKey"`
}

// StoreConfig selects the notification store backend.
type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	SaveRetries    uint64        `mapstructure:"saveRetries"`
}

// NotificationsConfig guards the notification ingress endpoint.
type NotificationsConfig struct {
	IngressToken string `mapstructure:"ingressToken"`
}

// EventsConfig holds the application-defined pass-through events, mapping an
// inbound event name to the name it is broadcast under.
type EventsConfig struct {
	Passthrough map[string]string `mapstructure:"passthrough"`
}

// LogConfig controls logger level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)
	v.SetDefault("server.idleTimeout", 60*time.Second)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:8080"})

	// WebSocket
	v.SetDefault("websocket.maxMessageSize", 4096)
	v.SetDefault("websocket.sendBufferSize", 256)
	v.SetDefault("websocket.idleTimeout", 60*time.Second)
	v.SetDefault("websocket.pingInterval", 54*time.Second)
	v.SetDefault("websocket.writeTimeout", 10*time.Second)

	// Rate limiting
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.refillInterval", time.Second)

	// Typing
	v.SetDefault("typing.window", 5*time.Second)
	v.SetDefault("typing.sweepInterval", 2500*time.Millisecond)

	// Auth
	v.SetDefault("auth.tokenQueryParam", "token")
	v.SetDefault("auth.revocationKey", "jwt:revoked")

	// Store
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.connectTimeout", 30*time.Second)
	v.SetDefault("store.saveRetries", 2)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// bindEnvVars registers keys without defaults; AutomaticEnv alone does not
// surface them to Unmarshal.
func bindEnvVars(v *viper.Viper) {
	for _, key := range []string{
		"auth.jwtSecret",
		"auth.issuer",
		"auth.revocationRedisUrl",
		"store.dsn",
		"notifications.ingressToken",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads configuration. path may be empty, in which case config.yaml is
// looked up in ./configs and the working directory and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file error: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Comma-separated env values arrive as a single element.
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// sanitize clamps values that have a safe correction instead of failing.
func (c *Config) sanitize() {
	if c.Typing.Window > 0 {
		if c.Typing.SweepInterval <= 0 || c.Typing.SweepInterval > c.Typing.Window/2 {
			c.Typing.SweepInterval = c.Typing.Window / 2
		}
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

// Validate reports configuration that cannot be corrected automatically.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("websocket.maxMessageSize must be positive")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return errors.New("websocket.sendBufferSize must be positive")
	}
	if c.WebSocket.IdleTimeout <= 0 {
		return errors.New("websocket.idleTimeout must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.IdleTimeout {
		return errors.New("websocket.pingInterval must be positive and less than websocket.idleTimeout")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("ratelimit.burst must be positive")
	}
	if c.Typing.Window <= 0 {
		return errors.New("typing.window must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret must be set")
	}
	if c.Auth.TokenQueryParam == "" {
		return errors.New("auth.tokenQueryParam must be set")
	}

	switch c.Store.Driver {
	case "memory":
	case "redis", "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("invalid store driver: %s. Must be 'memory', 'redis', 'postgres' or 'sqlite'", c.Store.Driver)
	}

	for in, out := range c.Events.Passthrough {
		if strings.TrimSpace(in) == "" || strings.TrimSpace(out) == "" {
			return errors.New("events.passthrough entries must name both the inbound and outbound event")
		}
	}
	return nil
}
