package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
identity:
  validate_url: http://identity.internal/validate
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Auth.CacheTTL != 5*time.Second {
		t.Errorf("expected default cache ttl 5s, got %v", cfg.Auth.CacheTTL)
	}
	if cfg.Auth.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cfg.Auth.FailureThreshold)
	}
	if cfg.Gateway.MaxConnectionsPerUser != 5 {
		t.Errorf("expected default per-user limit 5, got %d", cfg.Gateway.MaxConnectionsPerUser)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected default heartbeat interval 30s, got %v", cfg.Gateway.HeartbeatInterval)
	}
	if !cfg.Gateway.RateLimit.Enabled {
		t.Error("expected rate limiting enabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("RELAY_IDENTITY_URL", "http://identity.internal/validate")
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
identity:
  validate_url: ${RELAY_IDENTITY_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.ValidateURL != "http://identity.internal/validate" {
		t.Fatalf("env var not expanded: %q", cfg.Identity.ValidateURL)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: 9000
identity:
  validate_url: http://identity.internal/validate
`)
	path := writeFile(t, dir, "relay.yaml", `
$include: base.yaml
server:
  metrics_port: 9100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected included port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPort != 9100 {
		t.Errorf("expected overriding metrics port 9100, got %d", cfg.Server.MetricsPort)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
identity:
  validate_url: http://identity.internal/validate
not_a_real_section:
  key: value
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key rejection")
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.json5", `{
  // comments are allowed here
  identity: {validate_url: "http://identity.internal/validate"},
  server: {port: 8443},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8443 {
		t.Fatalf("expected port 8443, got %d", cfg.Server.Port)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*Config){
		"port out of range": func(c *Config) { c.Server.Port = 70000 },
		"metrics port clash": func(c *Config) {
			c.Server.MetricsPort = c.Server.Port
		},
		"missing identity url": func(c *Config) { c.Identity.ValidateURL = "" },
		"bypass without secret": func(c *Config) {
			c.Auth.Bypass.Enabled = true
			c.Auth.Bypass.Secret = ""
		},
		"zero connection limit": func(c *Config) { c.Gateway.MaxConnectionsPerUser = 0 },
		"timeout below interval": func(c *Config) {
			c.Gateway.HeartbeatTimeout = c.Gateway.HeartbeatInterval / 2
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		cfg.Identity.ValidateURL = "http://identity.internal/validate"
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateAcceptsDefaultWithIdentityURL(t *testing.T) {
	cfg := Default()
	cfg.Identity.ValidateURL = "http://identity.internal/validate"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
