// Package gateway enforces the publish-before-execute gating policy and
// exposes the control-plane operations consumed by external management
// surfaces. Discovery populates a superset catalog; an explicit provisioning
// step controls the subset a caller can actually invoke, bounding how many
// tool definitions are ever exposed downstream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgate/mcpgate/pkg/autoreg"
	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/clientmgr"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// ErrNotProvisioned is returned when a catalogued tool has not been
// published under the default-deny policy. It is distinct from an unknown
// tool: execution is never silently allowed.
var ErrNotProvisioned = errors.New("tool not provisioned")

// ErrUnknownTool is returned when the tool id is not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Options configure a Gateway.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Policy is the initial gating policy. Defaults to deny.
	Policy config.GatingPolicy
	// ToolBudget bounds how many tools may be published at once; zero means
	// unbounded.
	ToolBudget int
	// Implementation identifies the gateway's MCP server metadata for the
	// streamable mount.
	Implementation *mcp.Implementation
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyDeny
	}
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{Name: "mcpgate", Title: "MCP Gateway", Version: "1.0.0"}
	}
	return opts
}

// Gateway gates execution and fronts the control plane.
type Gateway struct {
	opts       Options
	registry   *registry.Registry
	manager    *clientmgr.Manager
	catalog    *catalog.Catalog
	pipeline   *autoreg.Pipeline
	classifier *errclass.Classifier

	mu        sync.RWMutex
	policy    config.GatingPolicy
	published map[string]struct{}

	serverMu sync.Mutex
	server   *mcp.Server
	mounted  map[string]struct{}
}

// New wires a Gateway to its collaborators.
func New(reg *registry.Registry, mgr *clientmgr.Manager, cat *catalog.Catalog, pipe *autoreg.Pipeline, cls *errclass.Classifier, opts *Options) *Gateway {
	o := opts.withDefaults()
	g := &Gateway{
		opts:       o,
		registry:   reg,
		manager:    mgr,
		catalog:    cat,
		pipeline:   pipe,
		classifier: cls,
		policy:     o.Policy,
		published:  make(map[string]struct{}),
		mounted:    make(map[string]struct{}),
	}
	g.server = mcp.NewServer(o.Implementation, &mcp.ServerOptions{HasTools: true})
	return g
}

// Execute runs a catalogued tool if the gating policy admits it. Failures
// come back as structured errors: ErrUnknownTool, ErrNotProvisioned, or a
// *errclass.ToolExecutionError from the transport layer.
func (g *Gateway) Execute(ctx context.Context, toolID string, args any) (*mcp.CallToolResult, error) {
	tool, ok := g.catalog.Get(toolID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, toolID)
	}
	if !g.callable(toolID) {
		return nil, fmt.Errorf("%w: %q", ErrNotProvisioned, toolID)
	}
	return g.manager.Execute(ctx, tool.Server, tool.Name, args)
}

func (g *Gateway) callable(toolID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.policy == config.PolicyAllowAll {
		return true
	}
	_, published := g.published[toolID]
	return published
}

// Publish marks a catalogued tool callable. Publishing an unknown tool
// fails; publishing past the tool budget fails.
func (g *Gateway) Publish(toolID string) error {
	if _, ok := g.catalog.Get(toolID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, toolID)
	}
	g.mu.Lock()
	if _, already := g.published[toolID]; !already {
		if g.opts.ToolBudget > 0 && len(g.published) >= g.opts.ToolBudget {
			g.mu.Unlock()
			return fmt.Errorf("tool budget of %d exhausted", g.opts.ToolBudget)
		}
		g.published[toolID] = struct{}{}
	}
	g.mu.Unlock()
	g.SyncMount()
	return nil
}

// Unpublish revokes a tool. Absent entries are equivalent to unpublished,
// so revoking an unknown id is a no-op.
func (g *Gateway) Unpublish(toolID string) {
	g.mu.Lock()
	delete(g.published, toolID)
	g.mu.Unlock()
	g.SyncMount()
}

// Published returns the currently provisioned tool ids.
func (g *Gateway) Published() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.published))
	for id := range g.published {
		out = append(out, id)
	}
	return out
}

// Policy returns the active gating policy.
func (g *Gateway) Policy() config.GatingPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// SetPolicy switches between deny and allow-all.
func (g *Gateway) SetPolicy(policy config.GatingPolicy) {
	g.mu.Lock()
	g.policy = policy
	g.mu.Unlock()
	g.SyncMount()
}

// Catalog lists every discovered tool, callable or not.
func (g *Gateway) Catalog() []catalog.Tool {
	return g.catalog.List()
}

// AddServer registers and connects a server added after startup, reusing
// the pipeline's primary/fallback logic.
func (g *Gateway) AddServer(ctx context.Context, cfg config.ServerConfig) error {
	if err := config.ValidateServer(cfg.Name, cfg); err != nil {
		return err
	}
	return g.pipeline.RegisterNew(ctx, cfg.Name, cfg)
}

// RemoveServer unregisters a server and drops its catalogued tools.
func (g *Gateway) RemoveServer(ctx context.Context, name string) error {
	if err := g.pipeline.Unregister(ctx, name); err != nil {
		return err
	}
	if err := g.catalog.RemoveServer(name); err != nil {
		g.opts.Logger.Warn("catalog cleanup failed", "server", name, "error", err)
	}
	g.mu.Lock()
	for id := range g.published {
		if tool, ok := g.catalog.Get(id); !ok || tool.Server == name {
			delete(g.published, id)
		}
	}
	g.mu.Unlock()
	g.SyncMount()
	return nil
}

// ListServers returns status snapshots for every registered server.
func (g *Gateway) ListServers() []registry.ServerStatus {
	return g.registry.Snapshot()
}

// Status returns one server's status snapshot, or nil when unknown.
func (g *Gateway) Status(name string) *registry.ServerStatus {
	return g.registry.Status(name)
}

// Reconnect forces a disconnect and reconnect. When waitForDiscovery is set
// it blocks until the relaunched discovery finishes or timeout elapses.
func (g *Gateway) Reconnect(ctx context.Context, name string, waitForDiscovery bool, timeout time.Duration) (*registry.ServerStatus, error) {
	cfg := g.registry.Get(name)
	if cfg == nil {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	if err := g.manager.Disconnect(ctx, name); err != nil {
		return nil, err
	}
	if _, err := g.manager.Connect(ctx, name, *cfg); err != nil {
		return g.registry.Status(name), err
	}
	if waitForDiscovery {
		waitCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := g.manager.AwaitDiscovery(waitCtx, name); err != nil {
			return g.registry.Status(name), err
		}
	}
	return g.registry.Status(name), nil
}

// DiscoverNow forces a fresh synchronous discovery for one server.
func (g *Gateway) DiscoverNow(ctx context.Context, name string) (clientmgr.DiscoveryResult, error) {
	res, err := g.manager.DiscoverNow(ctx, name)
	if err == nil {
		g.SyncMount()
	}
	return res, err
}

// Recommend surfaces the classifier's current view of a server: its error
// rate within the sliding window and whether it is flagged for
// circuit-breaking.
func (g *Gateway) Recommend(name string) (rate int, circuitBroken bool) {
	return g.classifier.Rate(name), g.classifier.CircuitBroken(name)
}
