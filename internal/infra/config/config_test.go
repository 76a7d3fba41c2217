package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Host.ProtocolVersion != DefaultProtocolVersion {
		t.Errorf("ProtocolVersion = %q", cfg.Host.ProtocolVersion)
	}
	if cfg.Plugins.ScanDepth != 2 {
		t.Errorf("ScanDepth = %d, want 2", cfg.Plugins.ScanDepth)
	}
	if cfg.Runtime.CallTimeout != 30*time.Second {
		t.Errorf("CallTimeout = %s, want 30s", cfg.Runtime.CallTimeout)
	}
	if cfg.Runtime.StopDebounce != 1200*time.Millisecond {
		t.Errorf("StopDebounce = %s, want 1.2s", cfg.Runtime.StopDebounce)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Defaults()
	cfg.Host.DataDir = "/data"
	if got := cfg.InstalledDir(); got != filepath.Join("/data", "plugins-installed") {
		t.Errorf("InstalledDir = %q", got)
	}
	if got := cfg.PluginDataDir(); got != filepath.Join("/data", "plugins") {
		t.Errorf("PluginDataDir = %q", got)
	}
	if got := cfg.AuditPath(); got != filepath.Join("/data", "audit.jsonl") {
		t.Errorf("AuditPath = %q", got)
	}
	cfg.Plugins.InstalledDir = "/opt/plugins"
	cfg.Audit.Path = "/var/log/toolhost.jsonl"
	if cfg.InstalledDir() != "/opt/plugins" || cfg.AuditPath() != "/var/log/toolhost.jsonl" {
		t.Error("explicit paths must win")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Plugins.ScanDepth != 2 {
		t.Errorf("expected defaults, got ScanDepth=%d", cfg.Plugins.ScanDepth)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "toolhost.yaml", `
host:
  data_dir: /srv/toolhost
plugins:
  dev_dirs: ["/home/me/plugins"]
  scan_depth: 3
  deny_permissions: ["shell.spawn"]
runtime:
  python: /usr/bin/python3.12
  call_timeout: 5s
  stop_debounce: 500ms
installer:
  catalog_url: https://plugins.example.com/index.json
  catalog_refresh: "@every 6h"
logger:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host.DataDir != "/srv/toolhost" {
		t.Errorf("DataDir = %q", cfg.Host.DataDir)
	}
	if len(cfg.Plugins.DevDirs) != 1 || cfg.Plugins.DevDirs[0] != "/home/me/plugins" {
		t.Errorf("DevDirs = %v", cfg.Plugins.DevDirs)
	}
	if cfg.Plugins.ScanDepth != 3 {
		t.Errorf("ScanDepth = %d", cfg.Plugins.ScanDepth)
	}
	if cfg.Runtime.CallTimeout != 5*time.Second || cfg.Runtime.StopDebounce != 500*time.Millisecond {
		t.Errorf("durations = %s, %s", cfg.Runtime.CallTimeout, cfg.Runtime.StopDebounce)
	}
	if cfg.Runtime.ReadyTimeout != 15*time.Second {
		t.Error("unset fields keep their defaults")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q", cfg.Logger.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "bad.yaml", "host: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "bad.yaml", "plugins:\n  scan_depth: 0\n")
	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !strings.Contains(ve.Error(), "scan_depth") {
		t.Errorf("unexpected error: %v", ve)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insecure.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		mode os.FileMode
		ok   bool
	}{
		{0600, true},
		{0644, true},
		{0400, true},
		{0660, false},
		{0666, false},
		{0622, false},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, "cfg.yaml")
		os.WriteFile(path, []byte("x: 1"), 0600)
		if err := os.Chmod(path, tt.mode); err != nil {
			t.Fatal(err)
		}
		err := validatePermissions(path)
		if tt.ok && err != nil {
			t.Errorf("mode %o: unexpected error %v", tt.mode, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("mode %o: expected error", tt.mode)
		}
	}

	if err := validatePermissions(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected stat error")
	}
}

func TestEnvOverrides(t *testing.T) {
	sep := string(os.PathListSeparator)
	t.Setenv("TOOLHOST_DATA_DIR", "/env/data")
	t.Setenv("TOOLHOST_PLUGINS_DEV_DIRS", "/a"+sep+" /b "+sep)
	t.Setenv("TOOLHOST_CALL_TIMEOUT", "2s")
	t.Setenv("TOOLHOST_READY_TIMEOUT", "not-a-duration")
	t.Setenv("TOOLHOST_GATEWAY_ENABLED", "true")
	t.Setenv("TOOLHOST_GATEWAY_TOKEN", "tok")
	t.Setenv("TOOLHOST_LOGGER_LEVEL", "warn")
	t.Setenv("TOOLHOST_TRACER_ENABLED", "1")
	t.Setenv("TOOLHOST_ALLOW_PRIVATE_HOSTS", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Host.DataDir != "/env/data" {
		t.Errorf("DataDir = %q", cfg.Host.DataDir)
	}
	if len(cfg.Plugins.DevDirs) != 2 || cfg.Plugins.DevDirs[1] != "/b" {
		t.Errorf("DevDirs = %q", cfg.Plugins.DevDirs)
	}
	if cfg.Runtime.CallTimeout != 2*time.Second {
		t.Errorf("CallTimeout = %s", cfg.Runtime.CallTimeout)
	}
	if cfg.Runtime.ReadyTimeout != 15*time.Second {
		t.Error("invalid duration must leave the default")
	}
	if !cfg.Gateway.Enabled || len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0].Token != "tok" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Logger.Level != "warn" || !cfg.Tracer.Enabled || !cfg.Installer.AllowPrivateHosts {
		t.Error("logger/tracer/installer overrides not applied")
	}
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	encrypted, err := EncryptValue("gw-secret", "pass")
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	if strings.Contains(encrypted, "gw-secret") {
		t.Error("ciphertext leaks plaintext")
	}
	got, err := DecryptValue(encrypted, "pass")
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if got != "gw-secret" {
		t.Errorf("got %q", got)
	}
	if _, err := DecryptValue(encrypted, "wrong"); err == nil {
		t.Error("wrong passphrase should fail")
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	for _, in := range []string{"no-separator", "zz:00", "00:zz", "00112233445566778899aabbccddeeff:00"} {
		if _, err := DecryptValue(in, "p"); err == nil {
			t.Errorf("DecryptValue(%q) should fail", in)
		}
	}
}

func TestLoadDecryptsGatewayTokens(t *testing.T) {
	encrypted, err := EncryptValue("real-token", "cfg-key")
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfigFile(t, t.TempDir(), "toolhost.yaml", `
gateway:
  enabled: true
  addr: 0.0.0.0:7420
  tokens:
    - name: ui
      token: "enc:`+encrypted+`"
    - name: plain
      token: plain-token
`)
	t.Setenv("TOOLHOST_CONFIG_KEY", "cfg-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Tokens[0].Token != "real-token" || cfg.Gateway.Tokens[1].Token != "plain-token" {
		t.Errorf("tokens = %+v", cfg.Gateway.Tokens)
	}
}

func TestLoadEncryptedTokenWithoutKey(t *testing.T) {
	encrypted, _ := EncryptValue("real-token", "cfg-key")
	path := writeConfigFile(t, t.TempDir(), "toolhost.yaml", `
gateway:
  enabled: true
  tokens:
    - name: ui
      token: "enc:`+encrypted+`"
`)
	t.Setenv("TOOLHOST_CONFIG_KEY", "")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "TOOLHOST_CONFIG_KEY") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestLoadDecryptWrongKey(t *testing.T) {
	encrypted, _ := EncryptValue("real-token", "cfg-key")
	path := writeConfigFile(t, t.TempDir(), "toolhost.yaml", `
gateway:
  tokens:
    - name: ui
      token: "enc:`+encrypted+`"
`)
	t.Setenv("TOOLHOST_CONFIG_KEY", "other-key")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "decrypt secrets") {
		t.Errorf("expected decrypt error, got %v", err)
	}
}
