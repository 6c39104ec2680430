package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "app:\n  timezone: America/Chicago\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.App.PollTickSeconds != 60 {
		t.Errorf("App.PollTickSeconds = %d, want 60", cfg.App.PollTickSeconds)
	}
	if cfg.App.MaxConcurrency != 4 {
		t.Errorf("App.MaxConcurrency = %d, want 4", cfg.App.MaxConcurrency)
	}
	if cfg.Alerting.ConsecutiveFailuresThreshold != 3 {
		t.Errorf("threshold = %d, want 3", cfg.Alerting.ConsecutiveFailuresThreshold)
	}
	if cfg.Email.SESRegion != "us-east-1" {
		t.Errorf("SESRegion = %q, want us-east-1", cfg.Email.SESRegion)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() with missing file should return error")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
app:
  timezone: America/Chicago
  poll_tick_seconds: 60
email:
  enabled: false
`)

	t.Setenv("POLL_TICK_SECONDS", "15")
	t.Setenv("MAX_CONCURRENCY", "8")
	t.Setenv("EMAIL_ENABLED", "true")
	t.Setenv("MASTER_ALERT_EMAIL", "ops@example.com")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/monitor")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}

	if cfg.App.PollTickSeconds != 15 {
		t.Errorf("PollTickSeconds = %d, want 15", cfg.App.PollTickSeconds)
	}
	if cfg.App.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want 8", cfg.App.MaxConcurrency)
	}
	if !cfg.Email.Enabled {
		t.Error("Email.Enabled should be true after override")
	}
	if cfg.Email.MasterAlertEmail != "ops@example.com" {
		t.Errorf("MasterAlertEmail = %q", cfg.Email.MasterAlertEmail)
	}
	if cfg.Database.URL != "postgres://u:p@db:5432/monitor" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestLoadFromEnv_InvalidNumbersIgnored(t *testing.T) {
	path := writeConfig(t, "app:\n  poll_tick_seconds: 30\n")
	t.Setenv("POLL_TICK_SECONDS", "not-a-number")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.App.PollTickSeconds != 30 {
		t.Errorf("PollTickSeconds = %d, want file value 30", cfg.App.PollTickSeconds)
	}
}

func TestCORSOriginList(t *testing.T) {
	c := ServerConfig{CORSOrigins: "http://a.test, http://b.test ,"}
	got := c.CORSOriginList()
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("CORSOriginList() = %v", got)
	}
}

func TestAppLocation(t *testing.T) {
	c := AppConfig{Timezone: "America/Chicago"}
	if _, err := c.Location(); err != nil {
		t.Errorf("Location() error: %v", err)
	}
	c.Timezone = "Not/AZone"
	if _, err := c.Location(); err == nil {
		t.Error("Location() with bad zone should error")
	}
}
