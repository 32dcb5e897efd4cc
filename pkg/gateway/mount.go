package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

const httpShutdownGrace = 5 * time.Second

// SyncMount reconciles the streamable MCP server's tool set with the set
// of currently callable tools. Publish, unpublish, policy changes, and
// forced discovery all call it; callers that mutate the catalog out of
// band can call it directly.
func (g *Gateway) SyncMount() {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()

	want := make(map[string]struct{})
	for _, tool := range g.catalog.List() {
		if g.callable(tool.ID) {
			want[tool.ID] = struct{}{}
		}
	}

	var stale []string
	for id := range g.mounted {
		if _, keep := want[id]; !keep {
			stale = append(stale, id)
			delete(g.mounted, id)
		}
	}
	if len(stale) > 0 {
		g.server.RemoveTools(stale...)
	}

	for _, tool := range g.catalog.List() {
		if _, ok := want[tool.ID]; !ok {
			continue
		}
		if _, already := g.mounted[tool.ID]; already {
			continue
		}
		schema := tool.Schema
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		g.server.AddTool(&mcp.Tool{
			Name:        tool.ID,
			Description: tool.Description,
			InputSchema: schema,
		}, g.makeToolHandler(tool.ID))
		g.mounted[tool.ID] = struct{}{}
	}
}

func (g *Gateway) makeToolHandler(toolID string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := any(nil)
		if req.Params != nil {
			args = req.Params.Arguments
		}
		res, err := g.Execute(ctx, toolID, args)
		if err != nil {
			g.opts.Logger.Warn("tool call failed", "tool", toolID, "error", err)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return res, nil
	}
}

// Handler returns the CORS-wrapped HTTP handler serving the streamable MCP
// endpoint at /mcp plus a liveness probe at /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, nil))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Mcp-Session-Id", "Mcp-Protocol-Version"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	})
	return c.Handler(mux)
}

// ListenAndServe mounts the gateway on addr and blocks until the context is
// cancelled or the listener fails.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	g.SyncMount()
	srv := &http.Server{Addr: addr, Handler: g.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
