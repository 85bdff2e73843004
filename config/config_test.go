package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateBackend != "sqlite" || cfg.StepBudget != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BaseDelay != time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != Default().Addr {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questd.yaml")
	content := `
addr: ":9000"
stateBackend: redis
stepBudget: 25
redis:
  addr: "redis.internal:6379"
  db: 3
retry:
  maxRetries: 5
  baseDelay: 2s
retention:
  enabled: true
  maxAge: 168h
logFormat: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.StateBackend != "redis" || cfg.StepBudget != 25 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Redis.Addr != "redis.internal:6379" || cfg.Redis.DB != 3 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BaseDelay != 2*time.Second {
		t.Fatalf("unexpected retry config: %+v", cfg.Retry)
	}
	if !cfg.Retention.Enabled || cfg.Retention.MaxAge != 168*time.Hour {
		t.Fatalf("unexpected retention config: %+v", cfg.Retention)
	}
	// MaxDelay was not in the file; the default stays.
	if cfg.Retry.MaxDelay != 30*time.Second {
		t.Fatalf("MaxDelay = %v", cfg.Retry.MaxDelay)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("QUESTD_ADDR", ":7777")
	t.Setenv("QUESTD_STEP_BUDGET", "12")
	t.Setenv("QUESTD_RETRY_BASE_DELAY", "250ms")
	t.Setenv("QUESTD_RETENTION_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7777" || cfg.StepBudget != 12 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("BaseDelay = %v", cfg.Retry.BaseDelay)
	}
	if !cfg.Retention.Enabled {
		t.Fatal("Retention.Enabled not applied")
	}
}

func TestGetenvBoolParsing(t *testing.T) {
	t.Setenv("QUESTD_TEST_BOOL", "off")
	if getenvBool("QUESTD_TEST_BOOL", true) {
		t.Fatal("off must parse as false")
	}
	t.Setenv("QUESTD_TEST_BOOL", "1")
	if !getenvBool("QUESTD_TEST_BOOL", false) {
		t.Fatal("1 must parse as true")
	}
	t.Setenv("QUESTD_TEST_BOOL", "junk")
	if !getenvBool("QUESTD_TEST_BOOL", true) {
		t.Fatal("junk must fall back")
	}
}
