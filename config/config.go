// Package config loads the page cache server configuration.
//
// Values come from the defaults, then an optional YAML file, then PAGECACHE_* environment variables.
// Command line flags are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/always-cache/page-cache/fetch"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	// Address the HTTP server listens on.
	Listen string `yaml:"listen" env:"PAGECACHE_LISTEN"`
	// Default time-to-live of cached pages.
	TTL time.Duration `yaml:"ttl" env:"PAGECACHE_TTL"`
	// Upper bound for one origin fetch. Zero means the library default of 30s.
	FetchTimeout time.Duration `yaml:"fetchTimeout" env:"PAGECACHE_FETCH_TIMEOUT"`
	// Interval of the expired entry sweep. Zero disables sweeping.
	SweepInterval time.Duration `yaml:"sweepInterval" env:"PAGECACHE_SWEEP_INTERVAL"`
	// Prefix for keys in shared stores (redis).
	Namespace string `yaml:"namespace" env:"PAGECACHE_NAMESPACE"`

	Store   StoreConfig   `yaml:"store"`
	Counter CounterConfig `yaml:"counter"`
	Redis   RedisConfig   `yaml:"redis"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Breaker BreakerConfig `yaml:"breaker"`
	Log     LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	// memory, sqlite or redis
	Driver string `yaml:"driver" env:"PAGECACHE_STORE"`
	// SQLite database file; "memory" for an in-memory database.
	Path string `yaml:"path" env:"PAGECACHE_SQLITE_PATH"`
}

type CounterConfig struct {
	// memory or redis
	Driver string `yaml:"driver" env:"PAGECACHE_COUNTER"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"PAGECACHE_REDIS_ADDR"`
	Password string `yaml:"password" env:"PAGECACHE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"PAGECACHE_REDIS_DB"`
}

type FetchConfig struct {
	MaxBodyBytes int64  `yaml:"maxBodyBytes" env:"PAGECACHE_MAX_BODY_BYTES"`
	UserAgent    string `yaml:"userAgent" env:"PAGECACHE_USER_AGENT"`
}

type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled" env:"PAGECACHE_BREAKER"`
	MaxRequests uint32        `yaml:"maxRequests" env:"PAGECACHE_BREAKER_MAX_REQUESTS"`
	Interval    time.Duration `yaml:"interval" env:"PAGECACHE_BREAKER_INTERVAL"`
	Timeout     time.Duration `yaml:"timeout" env:"PAGECACHE_BREAKER_TIMEOUT"`
	Failures    uint32        `yaml:"failures" env:"PAGECACHE_BREAKER_FAILURES"`
}

type LogConfig struct {
	// trace, debug, info, warn or error
	Level string `yaml:"level" env:"PAGECACHE_LOG_LEVEL"`
	// Log file to use in addition to stdout.
	File string `yaml:"file" env:"PAGECACHE_LOG_FILE"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	breaker := fetch.DefaultBreakerConfig()
	return Config{
		Listen:        ":8080",
		TTL:           10 * time.Second,
		FetchTimeout:  30 * time.Second,
		SweepInterval: time.Minute,
		Store: StoreConfig{
			Driver: DriverMemory,
			Path:   "cache.db",
		},
		Counter: CounterConfig{
			Driver: DriverMemory,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Fetch: FetchConfig{
			MaxBodyBytes: fetch.DefaultMaxBodyBytes,
			UserAgent:    "page-cache",
		},
		Breaker: BreakerConfig{
			MaxRequests: breaker.MaxRequests,
			Interval:    breaker.Interval,
			Timeout:     breaker.Timeout,
			Failures:    breaker.Failures,
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// Load reads the configuration file (if filename is not empty) and the environment.
func Load(filename string) (Config, error) {
	return load(filename, env.Options{})
}

func load(filename string, opts env.Options) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, config.Validate()
}

// Validate checks that the configuration can be used to start a server.
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, is %s", c.TTL)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout cannot be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval cannot be negative")
	}
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite store needs a path")
		}
	default:
		return fmt.Errorf("unsupported store: %q", c.Store.Driver)
	}
	switch c.Counter.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unsupported counter: %q", c.Counter.Driver)
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address missing")
	}
	return nil
}

// UsesRedis reports whether the store or the counter lives in redis.
func (c Config) UsesRedis() bool {
	return c.Store.Driver == DriverRedis || c.Counter.Driver == DriverRedis
}

// FetchBreaker returns the breaker settings for the origin fetcher.
func (c Config) FetchBreaker() fetch.BreakerConfig {
	return fetch.BreakerConfig{
		Name:        "origin",
		MaxRequests: c.Breaker.MaxRequests,
		Interval:    c.Breaker.Interval,
		Timeout:     c.Breaker.Timeout,
		Failures:    c.Breaker.Failures,
	}
}
