// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level configuration of the stalecache command.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Codec     CodecConfig     `yaml:"codec"`
	Cache     CacheConfig     `yaml:"cache"`
	Transport TransportConfig `yaml:"transport"`
	Eviction  EvictionConfig  `yaml:"eviction"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and configures the row store.
type StoreConfig struct {
	Engine string      `yaml:"engine"` // "sqlite", "redis" or "memory"
	DSN    string      `yaml:"dsn"`    // sqlite file path or ":memory:"
	Redis  RedisConfig `yaml:"redis"`
	// MaxSize bounds the memory engine (0 = unbounded).
	MaxSize int `yaml:"max_size"`
}

// RedisConfig holds redis engine settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// LocalCacheSize enables an in-process TinyLFU tier in front of redis.
	LocalCacheSize int           `yaml:"local_cache_size"`
	LocalCacheTTL  time.Duration `yaml:"local_cache_ttl"`
}

// CodecConfig controls how payloads are stored.
type CodecConfig struct {
	Format   string `yaml:"format"` // "json" or "msgpack"
	Compress bool   `yaml:"compress"`
	Encrypt  bool   `yaml:"encrypt"`
	Key      string `yaml:"key"` // base64 AES key, usually "${STALECACHE_KEY}"
}

// KeyBytes decodes Key.
func (c CodecConfig) KeyBytes() ([]byte, error) {
	if c.Key == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("decode codec key: %w", err)
	}
	return b, nil
}

// CacheConfig holds Manager settings.
type CacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	NetworkTimeout  time.Duration `yaml:"network_timeout"`
	CoalesceFetches bool          `yaml:"coalesce_fetches"`
}

// TransportConfig holds the HTTP integration settings used by "get".
type TransportConfig struct {
	TTL                  time.Duration `yaml:"ttl"`
	Kind                 string        `yaml:"kind"`
	CacheableStatusCodes []int         `yaml:"cacheable_status_codes"`
	ServeStale           bool          `yaml:"serve_stale"`
}

// EvictionConfig controls the background evictor.
type EvictionConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Grace is how long expired rows are kept to be served stale.
	Grace time.Duration `yaml:"grace"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
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

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Engine: "sqlite",
			DSN:    "stalecache.db",
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				Prefix:        "stalecache:",
				LocalCacheTTL: time.Minute,
			},
		},
		Codec: CodecConfig{
			Format:   "json",
			Compress: true,
		},
		Cache: CacheConfig{
			DefaultTTL:     time.Hour,
			NetworkTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			TTL:                  time.Minute,
			Kind:                 "http",
			CacheableStatusCodes: []int{200},
			ServeStale:           true,
		},
		Eviction: EvictionConfig{
			Interval: 10 * time.Minute,
			Grace:    24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{Metrics: true},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
// Fields absent from the file keep their Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Store.Engine {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown store engine %q", c.Store.Engine)
	}
	switch c.Codec.Format {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("unknown codec format %q", c.Codec.Format)
	}
	if c.Codec.Encrypt && c.Codec.Key == "" {
		return fmt.Errorf("codec.encrypt requires codec.key")
	}
	return nil
}
