// Package factory opens a concrete Store backend from configuration or from
// environment variables, so callers never import the backends directly.
package factory

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/questforge/orchestrator/store"
	"github.com/questforge/orchestrator/store/memory"
	"github.com/questforge/orchestrator/store/redis"
	"github.com/questforge/orchestrator/store/sqlite"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Options struct {
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	RedisPrefix   string
}

// Open creates the Store for the named backend. Unknown backends are an
// error rather than a silent fallback.
func Open(backend string, opts Options) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendSQLite, "":
		path := opts.SQLitePath
		if path == "" {
			path = "data/questforge.db"
		}
		return sqlite.New(path)
	case BackendRedis:
		var redisOpts []redis.Option
		if opts.RedisPassword != "" {
			redisOpts = append(redisOpts, redis.WithPassword(opts.RedisPassword))
		}
		if opts.RedisDB != 0 {
			redisOpts = append(redisOpts, redis.WithDB(opts.RedisDB))
		}
		if opts.RedisTTL > 0 {
			redisOpts = append(redisOpts, redis.WithTTL(opts.RedisTTL))
		}
		if opts.RedisPrefix != "" {
			redisOpts = append(redisOpts, redis.WithPrefix(opts.RedisPrefix))
		}
		return redis.New(opts.RedisAddr, redisOpts...)
	case BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// FromEnv opens the backend named by QUESTD_STATE_BACKEND, defaulting to
// sqlite when unset.
func FromEnv() (store.Store, error) {
	backend := getenv("QUESTD_STATE_BACKEND", BackendSQLite)
	return Open(backend, Options{
		SQLitePath:    getenv("QUESTD_SQLITE_PATH", "data/questforge.db"),
		RedisAddr:     getenv("QUESTD_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("QUESTD_REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("QUESTD_REDIS_DB", 0),
		RedisTTL:      getenvDuration("QUESTD_REDIS_TTL", 0),
		RedisPrefix:   getenv("QUESTD_REDIS_PREFIX", ""),
	})
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
