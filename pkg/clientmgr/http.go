package clientmgr

import (
	"context"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// connectStreamable dials a streamable HTTP server, either directly or via
// the local proxy supervisor's per-server sub-path. When the proxy route
// fails and a direct endpoint is configured, it falls back to the direct
// route and records the proxy-fallback-direct path.
func (m *Manager) connectStreamable(ctx context.Context, name string, cfg config.ServerConfig) (*mcp.ClientSession, registry.ConnectionPath, error) {
	type route struct {
		endpoint string
		path     registry.ConnectionPath
	}
	var routes []route
	if cfg.Mode == config.RouteViaProxy && m.opts.ProxyBaseURL != "" {
		routes = append(routes, route{endpoint: m.proxyEndpoint(name), path: registry.PathProxy})
		if cfg.URL != "" {
			routes = append(routes, route{endpoint: cfg.URL, path: registry.PathProxyFallbackDirect})
		}
	} else {
		routes = append(routes, route{endpoint: cfg.URL, path: registry.PathDirect})
	}

	var lastErr error
	for _, rt := range routes {
		transport := &mcp.StreamableClientTransport{
			Endpoint:   rt.endpoint,
			HTTPClient: m.httpClient(cfg),
		}
		client := mcp.NewClient(newImplementation(m.opts), nil)
		handshakeCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		session, err := client.Connect(handshakeCtx, transport, nil)
		cancel()
		if err == nil {
			return session, rt.path, nil
		}
		lastErr = err
		m.opts.Logger.Debug("streamable connect failed",
			"server", name, "endpoint", rt.endpoint, "error", err)
	}
	return nil, registry.PathUnknown, &errclass.ConnectionError{Server: name, Stage: "handshake", Err: lastErr}
}

func (m *Manager) proxyEndpoint(name string) string {
	base := strings.TrimSuffix(m.opts.ProxyBaseURL, "/")
	return base + "/servers/" + name + "/mcp"
}

// httpClient decorates the default client so every outbound request carries
// the configured headers and, when an auth descriptor is present, the
// authorization header it describes.
func (m *Manager) httpClient(cfg config.ServerConfig) *http.Client {
	if len(cfg.Headers) == 0 && cfg.Auth == nil {
		return http.DefaultClient
	}
	clone := *http.DefaultClient
	clone.Transport = &headerRoundTripper{
		next:    http.DefaultTransport,
		headers: cfg.Headers,
		auth:    cfg.Auth,
	}
	return &clone
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
	auth    *config.AuthConfig
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	if rt.auth != nil && rt.auth.Token != "" {
		header := rt.auth.Header
		if header == "" {
			header = "Authorization"
		}
		value := rt.auth.Token
		if strings.EqualFold(rt.auth.Type, "bearer") && !strings.HasPrefix(value, "Bearer ") {
			value = "Bearer " + value
		}
		if req.Header.Get(header) == "" {
			req.Header.Set(header, value)
		}
	}
	return rt.next.RoundTrip(req)
}
