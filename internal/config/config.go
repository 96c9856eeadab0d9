// Package config assembles the runtime's process-level configuration
// from environment variables (spec.md §6). Grounded verbatim on the
// teacher's config.Load() pattern: a plain struct, small
// envStr/envInt/envBool/envDuration helpers with fallbacks, no external
// config library — the house style confirmed across the pack.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the inference runtime.
type Config struct {
	ModelsRoot              string
	MaxConcurrentInferences int // global limit G
	EnableGPU               bool

	BackendURL          string
	BackendAPIKey       string
	BackendServiceToken string

	GracefulShutdownTimeout time.Duration
	ModelLoadTimeout        time.Duration

	MetricsEnabled bool

	Port      int
	Telemetry TelemetryConfig
}

// TelemetryConfig mirrors the teacher's internal/telemetry.Init input
// shape exactly, field for field.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	return &Config{
		ModelsRoot:              envStr("MODELS_ROOT", "/var/lib/runtime/models"),
		MaxConcurrentInferences: envInt("MAX_CONCURRENT_INFERENCES", 16),
		EnableGPU:               envBool("ENABLE_GPU", false),

		BackendURL:          envStr("BACKEND_URL", "http://localhost:9090"),
		BackendAPIKey:       envStr("BACKEND_API_KEY", ""),
		BackendServiceToken: envStr("BACKEND_SERVICE_TOKEN", ""),

		GracefulShutdownTimeout: envDuration("GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS", 30*time.Second),
		ModelLoadTimeout:        envDurationMS("MODEL_LOAD_TIMEOUT_MS", 60*time.Second),

		MetricsEnabled: envBool("METRICS_ENABLED", true),

		Port: envInt("RUNTIME_PORT", 8090),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "inference-runtime"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration reads a whole-seconds env var into a time.Duration.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// envDurationMS reads a whole-milliseconds env var into a time.Duration.
func envDurationMS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
