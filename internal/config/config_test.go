package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
server:
  admin_password: hunter2
  secret_key: abc123
r2:
  endpoint: https://account.r2.cloudflarestorage.com
  bucket: videos
  access_key_id: key
  secret_access_key: secret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConcurrentEncodes != 1 {
		t.Fatalf("expected default encode limit 1, got %d", cfg.Server.MaxConcurrentEncodes)
	}
	if cfg.Server.MaxConcurrentUploads != 30 {
		t.Fatalf("expected default upload limit 30, got %d", cfg.Server.MaxConcurrentUploads)
	}
	if cfg.Video.Encoder != "libx264" {
		t.Fatalf("expected default encoder libx264, got %q", cfg.Video.Encoder)
	}
	if want := "https://account.r2.cloudflarestorage.com/videos"; cfg.R2.PublicBaseURL != want {
		t.Fatalf("expected derived public base URL %q, got %q", want, cfg.R2.PublicBaseURL)
	}
	if cfg.Addr() != "0.0.0.0:3000" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
	if cfg.ClickHouseEnabled() {
		t.Fatal("expected clickhouse disabled when unconfigured")
	}
}

func TestLoadRejectsUnknownEncoder(t *testing.T) {
	body := minimalConfig + "video:\n  encoder: av1_magic\n"
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "video.encoder") {
		t.Fatalf("expected encoder validation error, got %v", err)
	}
}

func TestLoadRequiresAdminPassword(t *testing.T) {
	body := strings.Replace(minimalConfig, "admin_password: hunter2", "admin_password: \"\"", 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "admin_password") {
		t.Fatalf("expected admin_password error, got %v", err)
	}
}

func TestLoadRequiresDSNForPostgresDriver(t *testing.T) {
	body := strings.Replace(minimalConfig, "secret_key: abc123", "secret_key: abc123\n  storage_driver: postgres", 1)
	if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), "database.dsn") {
		t.Fatalf("expected database.dsn error, got %v", err)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("AKANE_PORT", "8080")
	t.Setenv("AKANE_VIDEO_ENCODER", "h264_nvenc")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if cfg.Video.Encoder != "h264_nvenc" {
		t.Fatalf("expected env encoder override, got %q", cfg.Video.Encoder)
	}
}
