// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// Backend.ConnectTimeout, StopTimeout and SendTimeout and Storage.MaxRetries
// and RetryDelay are loaded here but not read by internal/bridge or
// internal/storage, which use fixed values of their own.
//
// Configuration categories:
//   - Backend: adapter selection and connect/stop/send timeouts
//   - Gateway: consumer WebSocket frame limits, origin, rate limiting
//   - Envelope: optional per-session encryption
//   - Storage: SQLite path and retry behavior
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BackendConfig controls adapter selection and backend lifecycle timeouts.
type BackendConfig struct {
	DefaultAdapter string        // Adapter used when a session omits one
	ConnectTimeout time.Duration // Adapter.Connect timeout
	StopTimeout    time.Duration // BackendSession.Close timeout
	SendTimeout    time.Duration // Send/SendRaw timeout
	IdleSessionTTL time.Duration // Idle-reaper threshold
}

// GatewayConfig controls the consumer-facing WebSocket transport.
type GatewayConfig struct {
	MaxFrameSize    int64 // Max inbound WS frame size in bytes (default: 256KB)
	RateLimit       int   // Max inbound frames per window per consumer (default: 50)
	RateLimitWindow time.Duration
	AllowedOrigin   string // "" = no restriction (development)
}

// EnvelopeConfig controls the optional per-session encryption layer.
type EnvelopeConfig struct {
	Enabled bool
}

// StorageConfig controls the SQLite snapshot store.
type StorageConfig struct {
	DBPath     string
	MaxRetries int
	RetryDelay time.Duration
}

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Backend     BackendConfig
	Gateway     GatewayConfig
	Envelope    EnvelopeConfig
	Storage     StorageConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Backend: BackendConfig{
			DefaultAdapter: getEnv("BRIDGE_DEFAULT_ADAPTER", "acp-process"),
			ConnectTimeout: getEnvDuration("BRIDGE_BACKEND_CONNECT_TIMEOUT", 30*time.Second),
			StopTimeout:    getEnvDuration("BRIDGE_BACKEND_STOP_TIMEOUT", 5*time.Second),
			SendTimeout:    getEnvDuration("BRIDGE_BACKEND_SEND_TIMEOUT", 10*time.Second),
			IdleSessionTTL: getEnvDuration("BRIDGE_IDLE_SESSION_TTL", 60*time.Minute),
		},
		Gateway: GatewayConfig{
			MaxFrameSize:    getEnvInt64("BRIDGE_GATEWAY_MAX_FRAME_SIZE", 256*1024),
			RateLimit:       getEnvInt("BRIDGE_GATEWAY_RATE_LIMIT", 50),
			RateLimitWindow: getEnvDuration("BRIDGE_GATEWAY_RATE_LIMIT_WINDOW", time.Second),
			AllowedOrigin:   getEnv("BRIDGE_GATEWAY_ALLOWED_ORIGIN", ""),
		},
		Envelope: EnvelopeConfig{
			Enabled: getEnvBool("BRIDGE_ENVELOPE_ENABLED", false),
		},
		Storage: StorageConfig{
			DBPath:     getEnv("BRIDGE_DB_PATH", "./data/sessionbridge.db"),
			MaxRetries: getEnvInt("BRIDGE_DB_MAX_RETRIES", 3),
			RetryDelay: getEnvDuration("BRIDGE_DB_RETRY_BASE_DELAY", 100*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("BRIDGE_DB_PATH cannot be empty")
	}
	if c.Backend.DefaultAdapter == "" {
		return fmt.Errorf("BRIDGE_DEFAULT_ADAPTER cannot be empty")
	}
	if c.Gateway.RateLimit <= 0 {
		return fmt.Errorf("BRIDGE_GATEWAY_RATE_LIMIT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a container (cmd/bridged uses
// this to point the acp/container adapter at the bind-mounted Docker socket
// instead of DOCKER_HOST).
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
