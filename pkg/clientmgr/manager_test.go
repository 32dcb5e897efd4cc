package clientmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *catalog.Catalog) {
	t.Helper()
	reg := registry.New()
	cat := catalog.New(nil)
	cls, err := errclass.NewClassifier(nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(reg, cat, cls, &Options{Logger: logger}), reg, cat
}

func TestConnectPlainHTTPInstallsStaticTools(t *testing.T) {
	t.Parallel()
	m, reg, cat := newTestManager(t)

	cfg := config.ServerConfig{
		Name:      "web",
		Transport: config.TransportHTTP,
		URL:       "https://example.com/api",
		Enabled:   true,
	}
	if err := reg.Register("web", cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := m.Connect(context.Background(), "web", cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.State != registry.StateConnected || res.Path != registry.PathDirect {
		t.Fatalf("unexpected result: %#v", res)
	}
	if !m.Connected("web") {
		t.Fatalf("Connected() = false")
	}

	st := reg.Status("web")
	if st.ConnectionState != registry.StateConnected {
		t.Fatalf("registry state = %q", st.ConnectionState)
	}
	if st.DiscoveryState != registry.DiscoverySuccess || st.ToolCount != 1 {
		t.Fatalf("static tool set not installed: %#v", st)
	}
	if _, ok := cat.Get("web_ping"); !ok {
		t.Fatalf("placeholder tool missing from catalog")
	}
}

func TestConnectUnknownTransport(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestManager(t)

	cfg := config.ServerConfig{Name: "bad", Transport: "grpc", Enabled: true}
	reg.Register("bad", cfg)

	_, err := m.Connect(context.Background(), "bad", cfg)
	if !errclass.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	st := reg.Status("bad")
	if st.ConnectionState != registry.StateError || st.ErrorMessage == "" {
		t.Fatalf("failure not recorded on registry: %#v", st)
	}
}

func TestConnectStdioSpawnFailure(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestManager(t)

	cfg := config.ServerConfig{
		Name:      "ghost",
		Transport: config.TransportStdio,
		Command:   "mcpgate-test-no-such-binary",
		Enabled:   true,
	}
	reg.Register("ghost", cfg)

	_, err := m.Connect(context.Background(), "ghost", cfg)
	var cerr *errclass.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConnectionError, got %T", err)
	}
	if cerr.Stage != "spawn" {
		t.Fatalf("stage = %q, want spawn", cerr.Stage)
	}
	if m.Connected("ghost") {
		t.Fatalf("failed server reported as connected")
	}
}

func TestExecuteUnknownServer(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	_, err := m.Execute(context.Background(), "nope", "search", nil)
	var terr *errclass.ToolExecutionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *ToolExecutionError, got %T", err)
	}
	if terr.Server != "nope" || terr.Tool != "search" {
		t.Fatalf("error identity mismatch: %#v", terr)
	}
}

func TestExecutePlainHTTPUnsupported(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestManager(t)

	cfg := config.ServerConfig{Name: "web", Transport: config.TransportHTTP, URL: "https://example.com", Enabled: true}
	reg.Register("web", cfg)
	if _, err := m.Connect(context.Background(), "web", cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := m.Execute(context.Background(), "web", "ping", nil)
	if !errclass.IsToolExecution(err) {
		t.Fatalf("expected execution error, got %v", err)
	}
}

func TestDisconnectResetsState(t *testing.T) {
	t.Parallel()
	m, reg, _ := newTestManager(t)

	cfg := config.ServerConfig{Name: "web", Transport: config.TransportHTTP, URL: "https://example.com", Enabled: true}
	reg.Register("web", cfg)
	m.Connect(context.Background(), "web", cfg)

	if err := m.Disconnect(context.Background(), "web"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.Connected("web") {
		t.Fatalf("still connected after disconnect")
	}
	st := reg.Status("web")
	if st.ConnectionState != registry.StateDisconnected || st.DiscoveryState != registry.DiscoveryIdle {
		t.Fatalf("registry not reset: %#v", st)
	}
}

func TestRetryableHandshake(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"banner noise", errors.New("invalid character 'W' looking for beginning of value"), true},
		{"truncated frame", errors.New("unexpected EOF"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"auth rejection", errors.New("401 unauthorized"), false},
		{"generic", errors.New("permission denied"), false},
	}
	for _, tc := range cases {
		if got := retryableHandshake(tc.err); got != tc.want {
			t.Fatalf("%s: retryableHandshake() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBuildCommandQuietEnv(t *testing.T) {
	m, _, _ := newTestManager(t)

	cfg := config.ServerConfig{
		Command: "echo",
		Env:     map[string]string{"NO_COLOR": "0", "API_KEY": "k"},
	}
	cmd := m.buildCommand(cfg)

	env := strings.Join(cmd.Env, "\n")
	if !strings.Contains(env, "TERM=dumb") || !strings.Contains(env, "NODE_NO_WARNINGS=1") {
		t.Fatalf("quiet env not applied:\n%s", env)
	}
	if !strings.Contains(env, "NO_COLOR=0") {
		t.Fatalf("per-server env must win over quiet defaults:\n%s", env)
	}
	if strings.Contains(env, "NO_COLOR=1") {
		t.Fatalf("overridden quiet default still present:\n%s", env)
	}
	if !strings.Contains(env, "API_KEY=k") {
		t.Fatalf("configured env missing:\n%s", env)
	}
}

func TestProxyEndpoint(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	cat := catalog.New(nil)
	cls, _ := errclass.NewClassifier(nil)
	m := NewManager(reg, cat, cls, &Options{ProxyBaseURL: "http://127.0.0.1:9090/"})

	if got := m.proxyEndpoint("docs"); got != "http://127.0.0.1:9090/servers/docs/mcp" {
		t.Fatalf("proxyEndpoint() = %q", got)
	}
}

func TestHeaderRoundTripper(t *testing.T) {
	t.Parallel()
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer srv.Close()

	m, _, _ := newTestManager(t)
	client := m.httpClient(config.ServerConfig{
		Headers: map[string]string{"X-Team": "core"},
		Auth:    &config.AuthConfig{Type: "bearer", Token: "tok-123"},
	})

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := seen.Get("X-Team"); got != "core" {
		t.Fatalf("X-Team = %q", got)
	}
	if got := seen.Get("Authorization"); got != "Bearer tok-123" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestHeaderRoundTripperCustomHeader(t *testing.T) {
	t.Parallel()
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer srv.Close()

	m, _, _ := newTestManager(t)
	client := m.httpClient(config.ServerConfig{
		Auth: &config.AuthConfig{Type: "api-key", Token: "k-1", Header: "X-Api-Key"},
	})

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := seen.Get("X-Api-Key"); got != "k-1" {
		t.Fatalf("X-Api-Key = %q", got)
	}
	if got := seen.Get("Authorization"); got != "" {
		t.Fatalf("unexpected Authorization header: %q", got)
	}
}
