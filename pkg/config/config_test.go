package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpgate.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
host: 0.0.0.0
port: 9000
log_level: debug
policy: allow-all
tool_budget: 10
servers:
  docs:
    transport: stdio
    command: docs-server
    args: ["--fast"]
    enabled: true
    timeout: 20s
    filter:
      allow: ["search", "fetch"]
  remote:
    transport: streamable-http
    url: https://example.com/mcp
    mode: via-proxy
    enabled: true
    headers:
      X-Team: core
    auth:
      type: bearer
      token: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9000 {
		t.Fatalf("listen address mismatch: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Policy != PolicyAllowAll {
		t.Fatalf("policy = %q", cfg.Policy)
	}
	docs, ok := cfg.Servers["docs"]
	if !ok {
		t.Fatalf("docs server missing")
	}
	if docs.Name != "docs" {
		t.Fatalf("server name not backfilled: %q", docs.Name)
	}
	if docs.Transport != TransportStdio || docs.Command != "docs-server" {
		t.Fatalf("docs config mismatch: %#v", docs)
	}
	if docs.Timeout != 20*time.Second {
		t.Fatalf("timeout = %v", docs.Timeout)
	}
	if !docs.Filter.Admits("search") || docs.Filter.Admits("delete") {
		t.Fatalf("filter not applied: %#v", docs.Filter)
	}
	remote := cfg.Servers["remote"]
	if remote.Mode != RouteViaProxy {
		t.Fatalf("mode = %q", remote.Mode)
	}
	if remote.Auth == nil || remote.Auth.Token != "secret" {
		t.Fatalf("auth not parsed: %#v", remote.Auth)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "servers: {}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 8700 {
		t.Fatalf("defaults not applied: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Policy != PolicyDeny {
		t.Fatalf("default policy = %q", cfg.Policy)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MCPGATE_TOKEN", "tok-123")
	os.Unsetenv("MCPGATE_MISSING")

	in := "auth: ${MCPGATE_TOKEN} and ${MCPGATE_MISSING}"
	out := ExpandEnv(in)
	if !strings.Contains(out, "tok-123") {
		t.Fatalf("set variable not expanded: %q", out)
	}
	if !strings.Contains(out, "${MCPGATE_MISSING}") {
		t.Fatalf("unset variable should pass through literally: %q", out)
	}
}

func TestValidateServerRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		cfg  ServerConfig
	}{
		{"missing transport", ServerConfig{}},
		{"unknown transport", ServerConfig{Transport: "grpc"}},
		{"stdio without command", ServerConfig{Transport: TransportStdio}},
		{"http without url", ServerConfig{Transport: TransportStreamHTTP}},
		{"bad routing mode", ServerConfig{Transport: TransportStdio, Command: "srv", Mode: "tunnel"}},
	}
	for _, tc := range cases {
		if err := ValidateServer(tc.name, tc.cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	ok := ServerConfig{Transport: TransportStdio, Command: "srv"}
	if err := ValidateServer("ok", ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestLoadLenientSkipsInvalidServers(t *testing.T) {
	path := writeConfig(t, `
servers:
  good:
    transport: stdio
    command: docs-server
    enabled: true
  broken:
    transport: stdio
    enabled: true
`)
	cfg, skipped, err := LoadLenient(path)
	if err != nil {
		t.Fatalf("LoadLenient() error: %v", err)
	}
	if _, ok := cfg.Servers["good"]; !ok {
		t.Fatalf("valid server dropped")
	}
	if _, ok := cfg.Servers["broken"]; ok {
		t.Fatalf("invalid server kept")
	}
	if _, ok := skipped["broken"]; !ok {
		t.Fatalf("skipped map missing broken entry: %v", skipped)
	}
}
