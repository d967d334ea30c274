package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader assembles configuration from defaults, an optional YAML file,
// and environment overrides.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the FLOWMESH env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "FLOWMESH"}
}

// WithConfigPath points the loader at a YAML file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the final configuration and validates it.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides individual settings from the environment. Only the
// operationally interesting knobs are exposed; everything else belongs in
// the file.
func (l *Loader) applyEnv(cfg *Config) {
	l.envInt("SERVER_HTTP_PORT", &cfg.Server.HTTPPort)
	l.envInt("SERVER_METRICS_PORT", &cfg.Server.MetricsPort)

	l.envInt("ENGINE_PARALLELISM", &cfg.Engine.Parallelism)
	l.envInt64("ENGINE_TENANT_PARALLELISM", &cfg.Engine.TenantParallelism)
	l.envDuration("ENGINE_EXECUTION_DEADLINE", &cfg.Engine.ExecutionDeadline)

	l.envDuration("PROXY_DEFAULT_TIMEOUT", &cfg.Proxy.DefaultTimeout)
	l.envInt64("PROXY_MAX_CONCURRENCY", &cfg.Proxy.MaxConcurrency)

	l.envDuration("REGISTRY_PROBE_INTERVAL", &cfg.Registry.ProbeInterval)

	l.envString("STORE_BACKEND", &cfg.Store.Backend)
	l.envString("STORE_DSN", &cfg.Store.DSN)

	l.envBool("CACHE_ENABLED", &cfg.Cache.Enabled)
	l.envString("CACHE_ADDR", &cfg.Cache.Addr)
	l.envString("CACHE_PASSWORD", &cfg.Cache.Password)

	l.envString("FLOWS_DIR", &cfg.Flows.Dir)

	l.envString("LOG_LEVEL", &cfg.Log.Level)
	l.envString("LOG_FORMAT", &cfg.Log.Format)

	l.envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	l.envString("TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}

func (l *Loader) lookup(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}

func (l *Loader) envString(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *Loader) envInt(key string, dst *int) {
	if v, ok := l.lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) envInt64(key string, dst *int64) {
	if v, ok := l.lookup(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func (l *Loader) envBool(key string, dst *bool) {
	if v, ok := l.lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (l *Loader) envDuration(key string, dst *time.Duration) {
	if v, ok := l.lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
