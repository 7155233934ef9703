package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("BRIDGE_ADMIN_SECRET", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AdminSecret != "hunter2" {
		t.Fatalf("expected env secret, got %q", cfg.AdminSecret)
	}
	if cfg.HTTPAddr != ":8787" || cfg.TCPAddr != ":9787" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Approval.Policy != PolicyPending || cfg.Approval.PendingTTL != 5*time.Minute {
		t.Fatalf("unexpected approval defaults: %+v", cfg.Approval)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18789/ws" {
		t.Fatalf("unexpected gateway default: %q", cfg.Gateway.URL)
	}
}

func TestLoad_MissingSecretFails(t *testing.T) {
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "admin_secret") {
		t.Fatalf("expected admin_secret error, got %v", err)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfigFile(t, `
admin_secret: file-secret
http_addr: ":9000"
tcp_addr: ""
log_level: debug
gateway:
  url: ws://gw.internal:18789/ws
  token: gw-token
approval:
  policy: allowlist
  allowlist: ["n1", "n2"]
  pending_ttl: 2m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AdminSecret != "file-secret" || cfg.HTTPAddr != ":9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TCPAddr != "" {
		t.Fatalf("expected TCP listener disabled, got %q", cfg.TCPAddr)
	}
	if cfg.Gateway.URL != "ws://gw.internal:18789/ws" || cfg.Gateway.Token != "gw-token" {
		t.Fatalf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.Approval.Policy != PolicyAllowlist || len(cfg.Approval.Allowlist) != 2 {
		t.Fatalf("unexpected approval config: %+v", cfg.Approval)
	}
	if cfg.Approval.PendingTTL != 2*time.Minute {
		t.Fatalf("unexpected ttl: %v", cfg.Approval.PendingTTL)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "admin_secret: file-secret\n")
	t.Setenv("BRIDGE_GATEWAY_URL", "ws://override:18789/ws")
	t.Setenv("BRIDGE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.URL != "ws://override:18789/ws" {
		t.Fatalf("expected env override, got %q", cfg.Gateway.URL)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
}

func TestLoad_UnknownPolicyFails(t *testing.T) {
	path := writeConfigFile(t, "admin_secret: s\napproval:\n  policy: ask-nicely\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
