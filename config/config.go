// Package config loads engine configuration with the precedence
// defaults, then YAML file, then FLOWMESH_-prefixed environment
// variables.
package config

import (
	"fmt"
	"time"
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Registry  RegistryConfig  `yaml:"registry"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Flows     FlowsConfig     `yaml:"flows"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface wired in cmd.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	Parallelism       int           `yaml:"parallelism"`
	TenantParallelism int64         `yaml:"tenant_parallelism"`
	ExecutionDeadline time.Duration `yaml:"execution_deadline"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// ProxyConfig configures the outbound agent client.
type ProxyConfig struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	MaxConcurrency   int64         `yaml:"max_concurrency"`
	MaxQueued        int64         `yaml:"max_queued"`
}

// RegistryConfig configures the agent registry sweeper.
type RegistryConfig struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	ProbeRate          float64       `yaml:"probe_rate"`
}

// StoreConfig selects and configures the execution store backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend"`
	// DSN is the database connection string for relational backends.
	DSN string `yaml:"dsn"`
}

// CacheConfig configures the optional Redis status cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// FlowsConfig locates the flow documents loaded at startup.
type FlowsConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// OTLPEndpoint is the OTLP gRPC collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	// SampleRate is the trace sampling ratio in (0, 1].
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the engine defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Parallelism:       8,
			TenantParallelism: 4,
			ExecutionDeadline: 300 * time.Second,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
			BreakerThreshold:  5,
			BreakerCooldown:   60 * time.Second,
		},
		Proxy: ProxyConfig{
			DefaultTimeout:   30 * time.Second,
			MaxResponseBytes: 4 << 20,
			MaxConcurrency:   256,
			MaxQueued:        1024,
		},
		Registry: RegistryConfig{
			ProbeInterval:      30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			UnhealthyThreshold: 3,
			ProbeRate:          50,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			Addr:       "localhost:6379",
			DefaultTTL: 30 * time.Second,
		},
		Flows: FlowsConfig{
			Dir: "flows",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "flowmesh",
			SampleRate:   1.0,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Parallelism < 1 {
		return fmt.Errorf("engine.parallelism must be >= 1")
	}
	if c.Engine.TenantParallelism < 1 {
		return fmt.Errorf("engine.tenant_parallelism must be >= 1")
	}
	if c.Engine.ExecutionDeadline <= 0 {
		return fmt.Errorf("engine.execution_deadline must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Proxy.MaxConcurrency < 1 || c.Proxy.MaxQueued < 1 {
		return fmt.Errorf("proxy limits must be >= 1")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate <= 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be in (0, 1]")
		}
	}
	return nil
}
