package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setRequired(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Scheduler.RetryBackoffMinutes != 5 {
		t.Errorf("Expected backoff 5 minutes, got %d", cfg.Scheduler.RetryBackoffMinutes)
	}
	if cfg.Liveness.ThresholdSec != 120 {
		t.Errorf("Expected liveness threshold 120s, got %d", cfg.Liveness.ThresholdSec)
	}
	if !cfg.Scheduler.RetryWorkerEnabled || !cfg.Liveness.SweepEnabled {
		t.Error("Workers should be enabled by default")
	}
	if cfg.WSEnabled {
		t.Error("Socket.IO feed should be disabled by default")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("JWT_SECRET", "secret")
	if _, err := Load(); err == nil {
		t.Error("Expected error when MYSQL_DSN is missing")
	}

	t.Setenv("MYSQL_DSN", "dsn")
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("Expected error when JWT_SECRET is missing")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_ADDR", "redis.example.com:6379")
	t.Setenv("REDIS_DB", "5")
	t.Setenv("RETRY_BACKOFF_MINUTES", "10")
	t.Setenv("LIVENESS_THRESHOLD_SEC", "300")
	t.Setenv("REDIS_ENABLED", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Redis.Addr != "redis.example.com:6379" {
		t.Errorf("Expected custom Redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 5 {
		t.Errorf("Expected Redis DB 5, got %d", cfg.Redis.DB)
	}
	if cfg.Redis.Enabled {
		t.Error("Expected Redis disabled")
	}
	if cfg.Scheduler.RetryBackoffMinutes != 10 {
		t.Errorf("Expected backoff 10, got %d", cfg.Scheduler.RetryBackoffMinutes)
	}
	if cfg.Liveness.ThresholdSec != 300 {
		t.Errorf("Expected threshold 300, got %d", cfg.Liveness.ThresholdSec)
	}
}

func TestLoadFromINI_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	content := `[mysql]
dsn = ini:dsn@tcp(db:3306)/fleet

[jwt]
secret = ini-secret

[http]
addr = :9000

[scheduler]
retry_backoff_minutes = 7
retry_worker_enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := LoadFromINI(path)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.MySQL.DSN != "ini:dsn@tcp(db:3306)/fleet" {
		t.Errorf("Expected DSN from INI, got %s", cfg.MySQL.DSN)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("Expected env to override INI addr, got %s", cfg.HTTPAddr)
	}
	if cfg.Scheduler.RetryBackoffMinutes != 7 {
		t.Errorf("Expected backoff 7 from INI, got %d", cfg.Scheduler.RetryBackoffMinutes)
	}
	if cfg.Scheduler.RetryWorkerEnabled {
		t.Error("Expected retry worker disabled from INI")
	}
	if !cfg.Liveness.SweepEnabled {
		t.Error("Expected sweep default enabled")
	}
}
