// Package config loads the proxy's runtime configuration from
// environment variables with hard-coded defaults, precedence
// environment over defaults.
package config

import (
	"os"
	"strconv"
)

// Config holds every recognized runtime configuration key.
type Config struct {
	Port int

	ClientID string

	SessionDurationMs int64

	RetryAttempts int
	RetryDelayMs  int64
	RetryBackoff  float64

	DBRetryAttempts   int
	DBRetryDelayMs    int64
	DBRetryBackoff    float64
	DBRetryMaxDelayMs int64

	LBStrategy string

	APIKey string

	DBPath      string
	RedisAddr   string
	PricingFile string

	MaxBodyBytes int64

	UpstreamConnectTimeoutMs int64
	UpstreamHeaderTimeoutMs  int64
	UpstreamIdleTimeoutMs    int64
	OAuthTimeoutMs           int64

	DisconnectDrainTimeoutMs int64
	ShutdownDrainTimeoutMs   int64

	ConsoleHost  string
	ClaudeAIHost string
	TokenURL     string
}

// Default returns the configuration with every documented default
// applied, before environment overrides.
func Default() *Config {
	return &Config{
		Port:              8080,
		SessionDurationMs: 18_000_000, // 5h
		RetryAttempts:     3,
		RetryDelayMs:      1000,
		RetryBackoff:      2,

		DBRetryAttempts:   3,
		DBRetryDelayMs:    100,
		DBRetryBackoff:    2,
		DBRetryMaxDelayMs: 5000,

		LBStrategy: "session",

		DBPath:      "./data/proxy.db",
		PricingFile: "",

		MaxBodyBytes: 10 * 1024 * 1024,

		UpstreamConnectTimeoutMs: 30_000,
		UpstreamHeaderTimeoutMs:  60_000,
		UpstreamIdleTimeoutMs:    5 * 60_000,
		OAuthTimeoutMs:           10_000,

		DisconnectDrainTimeoutMs: 2_000,
		ShutdownDrainTimeoutMs:   10_000,

		ConsoleHost:  "https://console.anthropic.com",
		ClaudeAIHost: "https://claude.ai",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
	}
}

// Load applies environment-variable overrides on top of Default.
func Load() *Config {
	c := Default()

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("SESSION_DURATION_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SessionDurationMs = n
		}
	}
	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryAttempts = n
		}
	}
	if v := os.Getenv("RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RetryDelayMs = n
		}
	}
	if v := os.Getenv("RETRY_BACKOFF"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.RetryBackoff = n
		}
	}
	if v := os.Getenv("DB_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DBRetryAttempts = n
		}
	}
	if v := os.Getenv("DB_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.DBRetryDelayMs = n
		}
	}
	if v := os.Getenv("DB_RETRY_BACKOFF"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.DBRetryBackoff = n
		}
	}
	if v := os.Getenv("DB_RETRY_MAX_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.DBRetryMaxDelayMs = n
		}
	}
	if v := os.Getenv("LB_STRATEGY"); v != "" {
		// Accepted for forward compatibility; only "session" is implemented.
		c.LBStrategy = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("PRICING_FILE"); v != "" {
		c.PricingFile = v
	}

	return c
}
