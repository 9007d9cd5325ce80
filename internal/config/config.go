// Package config handles YAML configuration loading with environment variable
// expansion, plus the flat environment overrides used in hosted deployments.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Keys      KeysConfig      `yaml:"keys"`
	Hytale    HytaleConfig    `yaml:"hytale"`
	Debug     bool            `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // overall inbound deadline
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// CacheConfig holds edge-cache sizing and the read-bypass switch.
type CacheConfig struct {
	Bypass      bool `yaml:"bypass"`        // BYPASS_CACHE: skip persistent reads
	EdgeMaxSize int  `yaml:"edge_max_size"` // max entries in the in-process response cache
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UpstreamConfig holds outbound transport settings.
type UpstreamConfig struct {
	RawTLSEnabled     bool     `yaml:"raw_tls_enabled"`     // prefer the raw socket path
	ContainerProxies  []string `yaml:"container_proxies"`   // up to three off-box proxy instances
	MinecraftProxyURL string   `yaml:"minecraft_proxy_url"` // host rewrite target for Mojang 429/403
	VendorAPIBase     string   `yaml:"vendor_api_base"`     // last-resort vendor API
}

// KeysConfig holds upstream API credentials.
type KeysConfig struct {
	Xbox      string   `yaml:"xbox"`
	Steam     []string `yaml:"steam"` // up to four keys, picked at random per call
	Nodecraft string   `yaml:"nodecraft"`
}

// HytaleConfig holds Hytale OAuth and session pool settings.
type HytaleConfig struct {
	RefreshToken string `yaml:"refresh_token"` // fallback when no rotated token is stored
	ProfileUUID  string `yaml:"profile_uuid"`
	PoolMin      int    `yaml:"pool_min"`
	PoolMax      int    `yaml:"pool_max"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying the flat environment overrides. An empty path yields defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "playerdb.db",
		},
		Cache: CacheConfig{
			EdgeMaxSize: 10_000,
		},
		Upstream: UpstreamConfig{
			RawTLSEnabled: true,
		},
		Hytale: HytaleConfig{
			PoolMin: 1,
			PoolMax: 10,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers the flat environment variables over the file config.
// These are the names the hosted runtime provisions.
func (c *Config) applyEnv() error {
	if v := os.Getenv("XBOX_APIKEY"); v != "" {
		c.Keys.Xbox = v
	}
	var steam []string
	for _, name := range []string{"STEAM_APIKEY", "STEAM_APIKEY2", "STEAM_APIKEY3", "STEAM_APIKEY4"} {
		if v := os.Getenv(name); v != "" {
			steam = append(steam, v)
		}
	}
	if len(steam) > 0 {
		c.Keys.Steam = steam
	}
	if v := os.Getenv("NODECRAFT_API_KEY"); v != "" {
		c.Keys.Nodecraft = v
	}
	if v := os.Getenv("HYTALE_REFRESH_TOKEN"); v != "" {
		c.Hytale.RefreshToken = v
	}
	if v := os.Getenv("HYTALE_PROFILE_UUID"); v != "" {
		c.Hytale.ProfileUUID = v
	}
	if v := os.Getenv("HYTALE_SESSION_POOL_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HYTALE_SESSION_POOL_MIN: %w", err)
		}
		c.Hytale.PoolMin = n
	}
	if v := os.Getenv("HYTALE_SESSION_POOL_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HYTALE_SESSION_POOL_MAX: %w", err)
		}
		c.Hytale.PoolMax = n
	}
	if os.Getenv("BYPASS_CACHE") == "true" {
		c.Cache.Bypass = true
	}
	return nil
}

func (c *Config) validate() error {
	if c.Hytale.PoolMin < 1 {
		return fmt.Errorf("hytale pool_min must be a positive integer, got %d", c.Hytale.PoolMin)
	}
	if c.Hytale.PoolMax < 1 {
		return fmt.Errorf("hytale pool_max must be a positive integer, got %d", c.Hytale.PoolMax)
	}
	if c.Hytale.PoolMax < c.Hytale.PoolMin {
		return fmt.Errorf("hytale pool_max (%d) below pool_min (%d)", c.Hytale.PoolMax, c.Hytale.PoolMin)
	}
	if len(c.Upstream.ContainerProxies) > 3 {
		return fmt.Errorf("at most 3 container proxies supported, got %d", len(c.Upstream.ContainerProxies))
	}
	return nil
}
