// Package config loads process configuration from environment variables and
// owns the mutable settings document persisted under the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level configuration (immutable after startup).
// Mutable user settings live in Settings (settings.json).
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Data directory for account documents, settings.json and the legacy key file.
	DataDir string

	// Quota poller.
	PollInterval time.Duration

	// Signature cache capacity (entries). Clamped to >= 256.
	SignatureCacheSize int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64

	// Local rate limit for /v1/messages, keyed by client address.
	// RateLimitRPS 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Environment overrides for upstream routing. When set, these take
	// precedence over settings.json (legacy variable names honored).
	InternalBaseURLs []string
	RequestUserAgent string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("AGM_PORT", 8045),
		ReadTimeout:         envDuration("AGM_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("AGM_WRITE_TIMEOUT", 0), // 0 = no write timeout; streaming responses are long-lived
		DataDir:             envStr("AGM_DATA_DIR", defaultDataDir()),
		PollInterval:        envDuration("AGM_POLL_INTERVAL", 60*time.Second),
		SignatureCacheSize:  envInt("AGM_SIGNATURE_CACHE_SIZE", 256),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "antigravityd"),
		LogLevel:            envStr("AGM_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("AGM_MAX_REQUEST_BODY_BYTES", 32*1024*1024)),
		RateLimitRPS:        envFloat("AGM_RATE_LIMIT_RPS", 0),
		RateLimitBurst:      envInt("AGM_RATE_LIMIT_BURST", 30),
		InternalBaseURLs:    envURLList("AGM_INTERNAL_BASE_URLS", "ANTIGRAVITY_INTERNAL_BASE_URLS", "PROXY_INTERNAL_BASE_URLS"),
		RequestUserAgent:    envFirst("AGM_REQUEST_USER_AGENT", "PROXY_REQUEST_USER_AGENT"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required configuration and clamps out-of-range values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: AGM_DATA_DIR is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: AGM_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.SignatureCacheSize < 256 {
		c.SignatureCacheSize = 256
	}
	if c.PollInterval < time.Second {
		c.PollInterval = time.Second
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		c.RateLimitBurst = 1
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "antigravity-manager")
	}
	return ".antigravity-manager"
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFirst returns the first non-empty value among the named variables.
func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// envURLList parses the first non-empty variable as a comma-separated URL
// list, trimming whitespace and trailing slashes.
func envURLList(keys ...string) []string {
	raw := envFirst(keys...)
	if raw == "" {
		return nil
	}
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			urls = append(urls, part)
		}
	}
	return urls
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
