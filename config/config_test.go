package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(filename, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	config, err := load("", env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}
	if config != Default() {
		t.Fatalf("Expected defaults, got %+v", config)
	}
}

func TestLoadFile(t *testing.T) {
	filename := writeConfig(t, `
listen: ":9000"
ttl: 30s
fetchTimeout: 2s
store:
  driver: sqlite
  path: /tmp/pages.db
breaker:
  enabled: true
  failures: 3
`)
	config, err := load(filename, env.Options{Environment: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}
	if config.Listen != ":9000" {
		t.Errorf("Listen: %q", config.Listen)
	}
	if config.TTL != 30*time.Second {
		t.Errorf("TTL: %s", config.TTL)
	}
	if config.FetchTimeout != 2*time.Second {
		t.Errorf("FetchTimeout: %s", config.FetchTimeout)
	}
	if config.Store.Driver != DriverSQLite || config.Store.Path != "/tmp/pages.db" {
		t.Errorf("Store: %+v", config.Store)
	}
	if !config.Breaker.Enabled || config.Breaker.Failures != 3 {
		t.Errorf("Breaker: %+v", config.Breaker)
	}
	// untouched values keep their defaults
	if config.SweepInterval != time.Minute {
		t.Errorf("SweepInterval: %s", config.SweepInterval)
	}
	if config.Breaker.Timeout != 30*time.Second {
		t.Errorf("Breaker.Timeout: %s", config.Breaker.Timeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	filename := writeConfig(t, "ttl: 30s\n")
	config, err := load(filename, env.Options{Environment: map[string]string{
		"PAGECACHE_TTL":        "1m",
		"PAGECACHE_COUNTER":    "redis",
		"PAGECACHE_REDIS_ADDR": "redis:6379",
		"PAGECACHE_REDIS_DB":   "2",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if config.TTL != time.Minute {
		t.Errorf("TTL: %s", config.TTL)
	}
	if config.Counter.Driver != DriverRedis {
		t.Errorf("Counter: %q", config.Counter.Driver)
	}
	if config.Redis.Addr != "redis:6379" || config.Redis.DB != 2 {
		t.Errorf("Redis: %+v", config.Redis)
	}
	if !config.UsesRedis() {
		t.Error("Expected config to use redis")
	}
}

func TestLoadErrors(t *testing.T) {
	noEnv := env.Options{Environment: map[string]string{}}

	if _, err := load(filepath.Join(t.TempDir(), "missing.yml"), noEnv); err == nil {
		t.Error("Expected error for missing file")
	}
	if _, err := load(writeConfig(t, "ttl: [\n"), noEnv); err == nil {
		t.Error("Expected error for broken yaml")
	}
	if _, err := load("", env.Options{Environment: map[string]string{"PAGECACHE_TTL": "soon"}}); err == nil {
		t.Error("Expected error for unparseable env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.TTL = 0 }},
		{"negative ttl", func(c *Config) { c.TTL = -time.Second }},
		{"negative fetch timeout", func(c *Config) { c.FetchTimeout = -time.Second }},
		{"negative sweep interval", func(c *Config) { c.SweepInterval = -time.Second }},
		{"unknown store", func(c *Config) { c.Store.Driver = "memcached" }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite; c.Store.Path = "" }},
		{"unknown counter", func(c *Config) { c.Counter.Driver = "sqlite" }},
		{"redis without address", func(c *Config) { c.Store.Driver = DriverRedis; c.Redis.Addr = "" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := Default()
			test.modify(&config)
			if err := config.Validate(); err == nil {
				t.Errorf("Expected %+v to be invalid", config)
			}
		})
	}
}

func TestFetchBreaker(t *testing.T) {
	config := Default()
	config.Breaker.Failures = 7
	breaker := config.FetchBreaker()
	if breaker.Failures != 7 || breaker.Timeout != config.Breaker.Timeout || breaker.Name == "" {
		t.Fatalf("Breaker config is %+v", breaker)
	}
}
