package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_CASCADE_PORT", "9999")
	t.Setenv("TEST_CASCADE_DSN", "")

	path := writeConfig(t, `{
		"server": {"port": ${TEST_CASCADE_PORT:8080}, "log_level": "${TEST_CASCADE_LOG:debug}"},
		"database": {"postgres": {"dsn": "${TEST_CASCADE_DSN:postgres://fallback}"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env value", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level = %q, want default", cfg.Server.LogLevel)
	}
	// Empty env values fall through to the default.
	if cfg.Database.Postgres.DSN != "postgres://fallback" {
		t.Errorf("dsn = %q, want fallback", cfg.Database.Postgres.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/cascade.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Engine:    EngineConfig{StepTimeoutSec: 30, BackoffMs: 250},
		Scheduler: SchedulerConfig{IntervalSec: 60},
		RateLimit: RateLimitConfig{WindowSec: 90},
	}
	if cfg.Engine.StepTimeout() != 30*time.Second {
		t.Errorf("step timeout = %s", cfg.Engine.StepTimeout())
	}
	if cfg.Engine.Backoff() != 250*time.Millisecond {
		t.Errorf("backoff = %s", cfg.Engine.Backoff())
	}
	if cfg.Scheduler.Interval() != time.Minute {
		t.Errorf("interval = %s", cfg.Scheduler.Interval())
	}
	if cfg.RateLimit.Window() != 90*time.Second {
		t.Errorf("window = %s", cfg.RateLimit.Window())
	}
}
