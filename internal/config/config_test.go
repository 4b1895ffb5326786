package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loading missing config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Analysis.MinFrequency != 2 {
		t.Errorf("min frequency = %d, want 2", cfg.Analysis.MinFrequency)
	}
	if cfg.Analysis.LookbackWindow != 30*24*time.Hour {
		t.Errorf("lookback = %v, want 720h", cfg.Analysis.LookbackWindow)
	}
	if cfg.Analysis.MaxRecords != 5000 {
		t.Errorf("max records = %d, want 5000", cfg.Analysis.MaxRecords)
	}
	if cfg.Scheduler.AuditRetention != 365 {
		t.Errorf("retention = %d, want 365", cfg.Scheduler.AuditRetention)
	}
	if cfg.Notifications.MinLevel != "HIGH" {
		t.Errorf("notification min level = %s, want HIGH", cfg.Notifications.MinLevel)
	}
	if cfg.Worker.Count != 4 {
		t.Errorf("worker count = %d, want 4", cfg.Worker.Count)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  host: db.internal
  user: safeguard
  password: secret
  database: safeguard
analysis:
  digest_key: installation-key
  min_frequency: 3
boundary:
  enabled: true
  endpoint: https://reasoning.example.com/v1/analyze
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Analysis.DigestKey != "installation-key" {
		t.Errorf("digest key = %s, want installation-key", cfg.Analysis.DigestKey)
	}
	if cfg.Analysis.MinFrequency != 3 {
		t.Errorf("min frequency = %d, want 3", cfg.Analysis.MinFrequency)
	}
	if !cfg.Boundary.Enabled {
		t.Error("boundary not enabled")
	}
	if cfg.Boundary.Timeout != 10*time.Second {
		t.Errorf("boundary timeout = %v, want default 10s", cfg.Boundary.Timeout)
	}

	want := "host=db.internal port=5432 user=safeguard password=secret dbname=safeguard sslmode=disable"
	if got := cfg.Database.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SAFEGUARD_TEST_DB_PASSWORD", "expanded-secret")

	path := writeConfig(t, `
database:
  password: ${SAFEGUARD_TEST_DB_PASSWORD}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Database.Password != "expanded-secret" {
		t.Errorf("password = %q, want expanded-secret", cfg.Database.Password)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")

	if _, err := Load(path); err == nil {
		t.Error("malformed yaml loaded without error")
	}
}

func TestRedisAddr(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.Redis.Addr(); got != "localhost:6379" {
		t.Errorf("redis addr = %s, want localhost:6379", got)
	}
}
