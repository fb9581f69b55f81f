package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: client
id: node-a
peer: node-b
port: 7000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.STUN.Host != "stun.ringostat.com" || cfg.STUN.Port != 3478 {
		t.Errorf("unexpected STUN default: %+v", cfg.STUN)
	}
	if cfg.Signaling.Kind != "memory" {
		t.Errorf("expected default signaling kind memory, got %q", cfg.Signaling.Kind)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	path := writeConfig(t, `
mode: relay
id: a
peer: b
port: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestValidateRequiresSignalingAddrForHTTP(t *testing.T) {
	path := writeConfig(t, `
mode: server
id: a
peer: b
port: 9000
signaling:
  kind: http
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing signaling.addr")
	}
}

func TestSTUNAddr(t *testing.T) {
	s := STUNConfig{Host: "stun.example.com", Port: 3478}
	if got, want := s.Addr(), "stun.example.com:3478"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
