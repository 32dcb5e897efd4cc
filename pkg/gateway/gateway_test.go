package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/pkg/autoreg"
	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/clientmgr"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

func newTestGateway(t *testing.T, opts *Options) (*Gateway, *catalog.Catalog, *registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	cat := catalog.New(nil)
	cls, err := errclass.NewClassifier(nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	mgr := clientmgr.NewManager(reg, cat, cls, &clientmgr.Options{Logger: logger})
	pipe := autoreg.New(reg, mgr, cls, &autoreg.Options{Logger: logger, MaxAttempts: 1, BaseDelay: time.Millisecond})
	t.Cleanup(pipe.Stop)
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = logger
	return New(reg, mgr, cat, pipe, cls, opts), cat, reg
}

func seedDocsTools(t *testing.T, cat *catalog.Catalog) {
	t.Helper()
	if err := cat.ReplaceServer("docs", []catalog.Tool{
		{Name: "search", Description: "full text search"},
		{Name: "fetch"},
		{Name: "summarize"},
	}); err != nil {
		t.Fatalf("ReplaceServer: %v", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, nil)

	_, err := g.Execute(context.Background(), "docs_search", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestExecuteDeniedUntilPublished(t *testing.T) {
	t.Parallel()
	g, cat, _ := newTestGateway(t, nil)
	seedDocsTools(t, cat)

	// Catalogued but unpublished: distinct "not provisioned" failure.
	_, err := g.Execute(context.Background(), "docs_search", nil)
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}

	if err := g.Publish("docs_search"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Published: gating passes; the failure now comes from the transport
	// layer because no session is live.
	_, err = g.Execute(context.Background(), "docs_search", nil)
	if !errclass.IsToolExecution(err) {
		t.Fatalf("expected execution error after publish, got %v", err)
	}
}

func TestPublishUnpublishRoundTrip(t *testing.T) {
	t.Parallel()
	g, cat, _ := newTestGateway(t, nil)
	seedDocsTools(t, cat)

	if err := g.Publish("docs_search"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := g.Published(); len(got) != 1 || got[0] != "docs_search" {
		t.Fatalf("Published() = %v", got)
	}

	g.Unpublish("docs_search")
	if got := g.Published(); len(got) != 0 {
		t.Fatalf("Published() after unpublish = %v", got)
	}
	_, err := g.Execute(context.Background(), "docs_search", nil)
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("revoked tool must be back to not provisioned, got %v", err)
	}

	// Revoking a tool that was never published is a no-op.
	g.Unpublish("docs_fetch")
}

func TestPublishUnknownTool(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, nil)
	if err := g.Publish("nope"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestPublishToolBudget(t *testing.T) {
	t.Parallel()
	g, cat, _ := newTestGateway(t, &Options{ToolBudget: 2})
	seedDocsTools(t, cat)

	if err := g.Publish("docs_search"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := g.Publish("docs_fetch"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := g.Publish("docs_summarize"); err == nil {
		t.Fatalf("publish past the budget must fail")
	}
	// Re-publishing an already published tool does not consume budget.
	if err := g.Publish("docs_search"); err != nil {
		t.Fatalf("idempotent publish: %v", err)
	}
}

func TestAllowAllPolicy(t *testing.T) {
	t.Parallel()
	g, cat, _ := newTestGateway(t, &Options{Policy: config.PolicyAllowAll})
	seedDocsTools(t, cat)

	_, err := g.Execute(context.Background(), "docs_search", nil)
	if errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("allow-all must not require publishing")
	}
	if !errclass.IsToolExecution(err) {
		t.Fatalf("expected transport failure, got %v", err)
	}

	g.SetPolicy(config.PolicyDeny)
	_, err = g.Execute(context.Background(), "docs_search", nil)
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("deny policy not enforced after switch, got %v", err)
	}
}

func TestSyncMountTracksCallableSet(t *testing.T) {
	t.Parallel()
	g, cat, _ := newTestGateway(t, nil)
	seedDocsTools(t, cat)

	g.SyncMount()
	if len(g.mounted) != 0 {
		t.Fatalf("nothing published, mounted = %v", g.mounted)
	}

	g.Publish("docs_search")
	if _, ok := g.mounted["docs_search"]; !ok {
		t.Fatalf("published tool not mounted")
	}

	g.Unpublish("docs_search")
	if _, ok := g.mounted["docs_search"]; ok {
		t.Fatalf("revoked tool still mounted")
	}

	g.SetPolicy(config.PolicyAllowAll)
	if len(g.mounted) != 3 {
		t.Fatalf("allow-all should mount the full catalog, mounted = %v", g.mounted)
	}
}

func TestControlPlaneServers(t *testing.T) {
	t.Parallel()
	g, _, reg := newTestGateway(t, nil)

	cfg := config.ServerConfig{
		Name:      "web",
		Transport: config.TransportHTTP,
		URL:       "https://example.com/web",
		Enabled:   true,
	}
	if err := g.AddServer(context.Background(), cfg); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	servers := g.ListServers()
	if len(servers) != 1 || servers[0].Name != "web" {
		t.Fatalf("ListServers = %#v", servers)
	}
	if st := g.Status("web"); st == nil || !st.Connected {
		t.Fatalf("Status = %#v", g.Status("web"))
	}

	if err := g.AddServer(context.Background(), config.ServerConfig{Name: "bad"}); err == nil {
		t.Fatalf("invalid server config must be rejected")
	}

	if err := g.RemoveServer(context.Background(), "web"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if reg.Status("web") != nil {
		t.Fatalf("server survived removal")
	}
}

func TestReconnectUnknownServer(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, nil)
	if _, err := g.Reconnect(context.Background(), "nope", false, 0); err == nil {
		t.Fatalf("expected error for unknown server")
	}
}

func TestReconnectPlainHTTP(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, nil)

	cfg := config.ServerConfig{
		Name:      "web",
		Transport: config.TransportHTTP,
		URL:       "https://example.com/web",
		Enabled:   true,
	}
	if err := g.AddServer(context.Background(), cfg); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	st, err := g.Reconnect(context.Background(), "web", true, time.Second)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !st.Connected {
		t.Fatalf("not connected after reconnect: %#v", st)
	}
}

func TestHandlerHealthAndCORS(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("preflight not handled: %v", resp.Header)
	}
}
