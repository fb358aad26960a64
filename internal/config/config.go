// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage locations. Plain paths (or ":memory:") select SQLite;
	// "postgres://" DSNs select Postgres.
	IdempotencyDBPath string
	SignalLogDBPath   string
	StateStoreDBPath  string
	DecisionDBPath    string

	// Policy settings.
	PolicyPath string

	// Rate limit settings (disabled by default).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("PORT", 8080),
		ReadTimeout:         envDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("WRITE_TIMEOUT", 30*time.Second),
		IdempotencyDBPath:   envStr("IDEMPOTENCY_DB_PATH", "data/idempotency.db"),
		SignalLogDBPath:     envStr("SIGNAL_LOG_DB_PATH", "data/signal_log.db"),
		StateStoreDBPath:    envStr("STATE_STORE_DB_PATH", "data/state_store.db"),
		DecisionDBPath:      envStr("DECISION_DB_PATH", "data/decisions.db"),
		PolicyPath:          envStr("DECISION_POLICY_PATH", "policies/default.json"),
		RateLimitEnabled:    envBool("RATE_LIMIT_ENABLED", false),
		RateLimitRPS:        envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:      envInt("RATE_LIMIT_BURST", 100),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "controld"),
		OTELInsecure:        envBool("OTEL_INSECURE", false),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is coherent.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in [1,65535]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MAX_REQUEST_BODY_BYTES must be positive")
	}
	for name, path := range map[string]string{
		"IDEMPOTENCY_DB_PATH":  c.IdempotencyDBPath,
		"SIGNAL_LOG_DB_PATH":   c.SignalLogDBPath,
		"STATE_STORE_DB_PATH":  c.StateStoreDBPath,
		"DECISION_DB_PATH":     c.DecisionDBPath,
		"DECISION_POLICY_PATH": c.PolicyPath,
	} {
		if path == "" {
			return fmt.Errorf("config: %s must be non-empty", name)
		}
	}
	if c.RateLimitEnabled {
		if c.RateLimitRPS <= 0 {
			return fmt.Errorf("config: RATE_LIMIT_RPS must be positive when rate limiting is enabled")
		}
		if c.RateLimitBurst < 1 {
			return fmt.Errorf("config: RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
		}
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
