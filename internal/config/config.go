// Package config loads the control plane's typed configuration from
// environment variables and an optional YAML file, resolving secretref:
// values through secret.Resolver, and publishes change notifications
// through a small subscription bus rather than mutating a package-level
// global.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ccbridge/control-plane/secret"
)

// RetryConfig tunes the resilience middleware's retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      bool          `yaml:"jitter"`
}

// CircuitConfig tunes the resilience middleware's circuit breaker.
type CircuitConfig struct {
	MaxFailures      int           `yaml:"max_failures"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// RateLimitConfig tunes a token bucket.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// MemoryConfig tunes the memory/resource monitor.
type MemoryConfig struct {
	MaxHeapMB      float64       `yaml:"max_heap_mb"`
	GrowthMBPerMin float64       `yaml:"growth_mb_per_min"`
	SnapshotMS     time.Duration `yaml:"snapshot_ms"`
}

// HeapDumpsConfig tunes optional heap-dump capture on a memory breach.
type HeapDumpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Max     int    `yaml:"max"`
}

// LogConfig tunes the observability logger.
type LogConfig struct {
	Level       string   `yaml:"level"`
	RedactKeys  []string `yaml:"redact_keys"`
}

// BridgeRestartBackoff tunes the supervisor's restart backoff.
type BridgeRestartBackoff struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Cap        time.Duration `yaml:"cap"`
}

// BridgeConfig tunes the bridge supervisor.
type BridgeConfig struct {
	Command             string               `yaml:"command"`
	Args                []string             `yaml:"args"`
	HealthEndpoint      string               `yaml:"health_endpoint"`
	StartupDeadlineMS   time.Duration        `yaml:"startup_deadline_ms"`
	RestartBackoff      BridgeRestartBackoff `yaml:"restart_backoff"`
	MaxRestartsInWindow int                  `yaml:"max_restarts_in_window"`
	RestartWindow       time.Duration        `yaml:"restart_window"`
}

// AuthConfig tunes inbound webhook authentication.
type AuthConfig struct {
	Enable bool   `yaml:"enable"`
	APIKey string `yaml:"api_key"`
}

// Config is the control plane's recognized configuration surface,
// exactly the keys named in spec.md §6.
type Config struct {
	SpoolDir   string          `yaml:"spool_dir"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Circuit    CircuitConfig   `yaml:"circuit"`
	Retry      RetryConfig     `yaml:"retry"`
	Memory     MemoryConfig    `yaml:"memory"`
	HeapDumps  HeapDumpsConfig `yaml:"heap_dumps"`
	Log        LogConfig       `yaml:"log"`
	Bridge     BridgeConfig    `yaml:"bridge"`
}

// WithDefaults fills unset fields with the control plane's defaults.
func (c Config) WithDefaults() Config {
	if c.SpoolDir == "" {
		c.SpoolDir = "./spool"
	}
	if c.RateLimit.RatePerSecond <= 0 {
		c.RateLimit.RatePerSecond = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	if c.Circuit.MaxFailures <= 0 {
		c.Circuit.MaxFailures = 5
	}
	if c.Circuit.ResetTimeout <= 0 {
		c.Circuit.ResetTimeout = 30 * time.Second
	}
	if c.Circuit.HalfOpenRequests <= 0 {
		c.Circuit.HalfOpenRequests = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 200 * time.Millisecond
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.Cap <= 0 {
		c.Retry.Cap = 10 * time.Second
	}
	if c.Memory.MaxHeapMB <= 0 {
		c.Memory.MaxHeapMB = 50
	}
	if c.Memory.SnapshotMS <= 0 {
		c.Memory.SnapshotMS = 5 * time.Second
	}
	if c.HeapDumps.Max <= 0 {
		c.HeapDumps.Max = 5
	}
	if c.HeapDumps.Dir == "" {
		c.HeapDumps.Dir = "./heap-dumps"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Bridge.StartupDeadlineMS <= 0 {
		c.Bridge.StartupDeadlineMS = 15 * time.Second
	}
	if c.Bridge.RestartBackoff.BaseDelay <= 0 {
		c.Bridge.RestartBackoff.BaseDelay = 500 * time.Millisecond
	}
	if c.Bridge.RestartBackoff.Multiplier <= 0 {
		c.Bridge.RestartBackoff.Multiplier = 2
	}
	if c.Bridge.RestartBackoff.Cap <= 0 {
		c.Bridge.RestartBackoff.Cap = 30 * time.Second
	}
	if c.Bridge.MaxRestartsInWindow <= 0 {
		c.Bridge.MaxRestartsInWindow = 5
	}
	if c.Bridge.RestartWindow <= 0 {
		c.Bridge.RestartWindow = 5 * time.Minute
	}
	return c
}

// Load reads an optional YAML file at path (skipped entirely if empty or
// missing), applies environment variable overrides, resolves any
// secretref: values through resolver, and returns a fully defaulted
// Config.
func Load(path string, resolver *secret.Resolver) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if resolver != nil {
		resolved, err := resolver.ResolveValue(context.Background(), cfg.Auth.APIKey)
		if err != nil {
			return Config{}, fmt.Errorf("config: resolve auth.api_key: %w", err)
		}
		cfg.Auth.APIKey = resolved
	}

	return cfg.WithDefaults(), nil
}

// applyEnvOverrides lets a small set of environment variables override
// file-provided values, the same precedence secret.ExpandEnvStrict
// assumes.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CCBRIDGE_SPOOL_DIR"); ok {
		cfg.SpoolDir = v
	}
	if v, ok := os.LookupEnv("CCBRIDGE_AUTH_API_KEY"); ok {
		cfg.Auth.APIKey = v
	}
	if v, ok := os.LookupEnv("CCBRIDGE_AUTH_ENABLE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enable = b
		}
	}
	if v, ok := os.LookupEnv("CCBRIDGE_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("CCBRIDGE_BRIDGE_HEALTH_ENDPOINT"); ok {
		cfg.Bridge.HealthEndpoint = v
	}
}
