// Package config loads questd configuration from an optional YAML file with
// QUESTD_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Addr string `yaml:"addr"`

	StateBackend string `yaml:"stateBackend"`
	SQLitePath   string `yaml:"sqlitePath"`

	Redis Redis `yaml:"redis"`

	StepBudget int `yaml:"stepBudget"`

	Retry     Retry     `yaml:"retry"`
	Retention Retention `yaml:"retention"`

	OTelEnabled bool `yaml:"otelEnabled"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

type Retry struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

type Retention struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"maxAge"`
}

func Default() Config {
	return Config{
		Addr:         "127.0.0.1:8970",
		StateBackend: "sqlite",
		SQLitePath:   "data/questforge.db",
		Redis: Redis{
			Addr: "localhost:6379",
		},
		StepBudget: 100,
		Retry: Retry{
			MaxRetries: 2,
			BaseDelay:  1 * time.Second,
			MaxDelay:   30 * time.Second,
		},
		Retention: Retention{
			Enabled:  false,
			Interval: 1 * time.Hour,
			MaxAge:   30 * 24 * time.Hour,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads the YAML file at path when it exists, then applies environment
// overrides. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("QUESTD_ADDR", c.Addr)
	c.StateBackend = getenv("QUESTD_STATE_BACKEND", c.StateBackend)
	c.SQLitePath = getenv("QUESTD_SQLITE_PATH", c.SQLitePath)

	c.Redis.Addr = getenv("QUESTD_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("QUESTD_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("QUESTD_REDIS_DB", c.Redis.DB)
	c.Redis.TTL = getenvDuration("QUESTD_REDIS_TTL", c.Redis.TTL)
	c.Redis.Prefix = getenv("QUESTD_REDIS_PREFIX", c.Redis.Prefix)

	c.StepBudget = getenvInt("QUESTD_STEP_BUDGET", c.StepBudget)

	c.Retry.MaxRetries = getenvInt("QUESTD_RETRY_MAX", c.Retry.MaxRetries)
	c.Retry.BaseDelay = getenvDuration("QUESTD_RETRY_BASE_DELAY", c.Retry.BaseDelay)
	c.Retry.MaxDelay = getenvDuration("QUESTD_RETRY_MAX_DELAY", c.Retry.MaxDelay)

	c.Retention.Enabled = getenvBool("QUESTD_RETENTION_ENABLED", c.Retention.Enabled)
	c.Retention.Interval = getenvDuration("QUESTD_RETENTION_INTERVAL", c.Retention.Interval)
	c.Retention.MaxAge = getenvDuration("QUESTD_RETENTION_MAX_AGE", c.Retention.MaxAge)

	c.OTelEnabled = getenvBool("QUESTD_OTEL_ENABLED", c.OTelEnabled)

	c.LogLevel = getenv("QUESTD_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("QUESTD_LOG_FORMAT", c.LogFormat)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
