// Package clientmgr opens and maintains one MCP session per configured
// server across three transport kinds: spawned-subprocess stdio, streamable
// HTTP, and plain HTTP. It performs tool discovery and execution, converting
// transport failures into registry status updates instead of raising them to
// pipeline callers.
//
// Concurrency contract: operations on the same server name are serialized
// internally. A connect in flight parks later connects on a wait channel,
// and discovery runs as a single tracked background task per name that later
// operations can await or cancel instead of racing.
package clientmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// Options configure a Manager.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// HandshakeTimeout bounds the initial protocol handshake per attempt.
	HandshakeTimeout time.Duration
	// CallTimeout bounds individual tool executions and discovery calls.
	CallTimeout time.Duration
	// DisconnectTimeout bounds best-effort channel teardown.
	DisconnectTimeout time.Duration
	// HandshakeRetries is how many times a failed handshake is retried when
	// the failure looks like noisy subprocess startup or a timeout.
	HandshakeRetries int
	// ProxyBaseURL is the local proxy supervisor base for via-proxy routing.
	ProxyBaseURL string
	// ClientName and ClientVersion identify the gateway to backends.
	ClientName    string
	ClientVersion string
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 5 * time.Second
	}
	if opts.HandshakeRetries <= 0 {
		opts.HandshakeRetries = 3
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcpgate"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	return opts
}

// ConnectResult reports the outcome of a connect attempt.
type ConnectResult struct {
	State registry.ConnectionState
	Path  registry.ConnectionPath
}

// DiscoveryResult reports the outcome of a discovery run.
type DiscoveryResult struct {
	State     registry.DiscoveryState
	ToolCount int
}

// Manager owns the per-server sessions and discovery tasks.
type Manager struct {
	opts       Options
	registry   *registry.Registry
	catalog    *catalog.Catalog
	classifier *errclass.Classifier

	mu     sync.Mutex
	states map[string]*serverState
}

type serverState struct {
	cfg     config.ServerConfig
	session *mcp.ClientSession

	connecting bool
	connectCh  chan struct{}

	// discovery is the single in-flight discovery task for this name.
	discovery *discoveryTask

	// plainTools holds the static tool set for the plain HTTP transport,
	// which has no live session.
	plainTools []catalog.Tool
}

// NewManager wires a Manager to its collaborators. All are injected at
// construction; nothing is fetched from ambient globals.
func NewManager(reg *registry.Registry, cat *catalog.Catalog, cls *errclass.Classifier, opts *Options) *Manager {
	return &Manager{
		opts:       opts.withDefaults(),
		registry:   reg,
		catalog:    cat,
		classifier: cls,
		states:     make(map[string]*serverState),
	}
}

// Connect establishes (or reuses) the session for a server. Concurrent calls
// for the same name collapse onto a single attempt; the losers wait for the
// winner's outcome. Transport failures are recorded on the registry and
// returned as *errclass.ConnectionError.
func (m *Manager) Connect(ctx context.Context, name string, cfg config.ServerConfig) (ConnectResult, error) {
	for {
		m.mu.Lock()
		state, ok := m.states[name]
		if !ok {
			state = &serverState{}
			m.states[name] = state
		}
		state.cfg = cfg
		if state.session != nil || len(state.plainTools) > 0 {
			m.mu.Unlock()
			return m.currentResult(name), nil
		}
		if state.connecting {
			ch := state.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ConnectResult{State: registry.StateError}, &errclass.ConnectionError{Server: name, Stage: "handshake", Err: ctx.Err()}
			case <-ch:
				continue
			}
		}
		state.connecting = true
		state.connectCh = make(chan struct{})
		m.mu.Unlock()

		_ = m.registry.SetConnectionState(name, registry.StateConnecting)
		result, session, plain, err := m.establish(ctx, name, cfg)

		m.mu.Lock()
		state.connecting = false
		close(state.connectCh)
		// Disconnect may have removed the entry while the handshake was in
		// flight; publishing a session onto the orphaned struct would leak
		// it and leave the registry claiming connected.
		current := m.states[name] == state
		if err == nil && current {
			state.session = session
			state.plainTools = plain
		}
		m.mu.Unlock()

		if err != nil {
			_ = m.registry.SetError(name, err.Error())
			m.classifier.Record(name, err)
			return ConnectResult{State: registry.StateError}, err
		}
		if !current {
			if session != nil {
				_ = session.Close()
			}
			return ConnectResult{State: registry.StateDisconnected}, &errclass.ConnectionError{
				Server: name, Stage: "handshake",
				Err: fmt.Errorf("server removed during connect"),
			}
		}

		_ = m.registry.SetConnectionState(name, registry.StateConnected)
		_ = m.registry.SetConnectionPath(name, result.Path)
		_ = m.registry.SetToolCount(name, 0)
		_ = m.registry.ClearError(name)
		m.classifier.Reset(name)

		if session != nil {
			go m.monitorSession(name, session)
			// Discovery runs independently so a slow-to-enumerate server
			// never blocks other registrations.
			m.startDiscovery(name, session)
		} else {
			m.installStaticTools(name, plain)
		}
		return result, nil
	}
}

func (m *Manager) establish(ctx context.Context, name string, cfg config.ServerConfig) (ConnectResult, *mcp.ClientSession, []catalog.Tool, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		session, err := m.connectStdio(ctx, name, cfg)
		if err != nil {
			return ConnectResult{}, nil, nil, err
		}
		return ConnectResult{State: registry.StateConnected, Path: registry.PathDirect}, session, nil, nil
	case config.TransportStreamHTTP:
		session, path, err := m.connectStreamable(ctx, name, cfg)
		if err != nil {
			return ConnectResult{}, nil, nil, err
		}
		return ConnectResult{State: registry.StateConnected, Path: path}, session, nil, nil
	case config.TransportHTTP:
		// Plain HTTP is not a full MCP transport; it surfaces a static
		// minimal tool set as a documented limitation.
		return ConnectResult{State: registry.StateConnected, Path: registry.PathDirect}, nil, plainHTTPTools(cfg), nil
	default:
		return ConnectResult{}, nil, nil, &errclass.ConnectionError{
			Server: name, Stage: "handshake",
			Err: fmt.Errorf("unknown transport %q", cfg.Transport),
		}
	}
}

func (m *Manager) currentResult(name string) ConnectResult {
	st := m.registry.Status(name)
	if st == nil {
		return ConnectResult{State: registry.StateConnected, Path: registry.PathUnknown}
	}
	return ConnectResult{State: st.ConnectionState, Path: st.ConnectionPath}
}

// DiscoverNow forces a fresh synchronous discovery. A disconnected server is
// connected first, so observers see connecting/connected before discovery
// leaves idle/pending. Any in-flight background discovery is cancelled.
func (m *Manager) DiscoverNow(ctx context.Context, name string) (DiscoveryResult, error) {
	m.mu.Lock()
	state, ok := m.states[name]
	var session *mcp.ClientSession
	var cfg config.ServerConfig
	if ok {
		session = state.session
		cfg = state.cfg
	}
	m.mu.Unlock()

	if !ok {
		regCfg := m.registry.Get(name)
		if regCfg == nil {
			return DiscoveryResult{}, fmt.Errorf("clientmgr: unknown server %q", name)
		}
		cfg = *regCfg
	}

	if session == nil {
		if cfg.Transport == config.TransportHTTP {
			return DiscoveryResult{State: registry.DiscoverySuccess, ToolCount: m.catalog.CountServer(name)}, nil
		}
		if _, err := m.Connect(ctx, name, cfg); err != nil {
			return DiscoveryResult{State: registry.DiscoveryError}, err
		}
		m.mu.Lock()
		if st := m.states[name]; st != nil {
			session = st.session
		}
		m.mu.Unlock()
		if session == nil {
			return DiscoveryResult{State: registry.DiscoverySuccess, ToolCount: m.catalog.CountServer(name)}, nil
		}
		// Connect launched a background discovery; take it over rather
		// than racing it.
		m.cancelDiscovery(name)
	} else {
		m.cancelDiscovery(name)
	}

	if err := m.runDiscovery(ctx, name, session); err != nil {
		return DiscoveryResult{State: m.discoveryState(name)}, err
	}
	return DiscoveryResult{State: registry.DiscoverySuccess, ToolCount: m.catalog.CountServer(name)}, nil
}

// AwaitDiscovery blocks until the in-flight discovery task for name (if any)
// finishes or ctx expires.
func (m *Manager) AwaitDiscovery(ctx context.Context, name string) error {
	m.mu.Lock()
	var done chan struct{}
	if st, ok := m.states[name]; ok && st.discovery != nil {
		done = st.discovery.done
	}
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Execute invokes a tool on a server. Every failure, transport and protocol
// alike, is wrapped into *errclass.ToolExecutionError so a single bad call
// cannot destabilize the gateway.
func (m *Manager) Execute(ctx context.Context, server, tool string, args any) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	state, ok := m.states[server]
	var session *mcp.ClientSession
	var transport config.Transport
	if ok {
		session = state.session
		transport = state.cfg.Transport
	}
	m.mu.Unlock()

	fail := func(err error) (*mcp.CallToolResult, error) {
		wrapped := &errclass.ToolExecutionError{Server: server, Tool: tool, Err: err}
		m.classifier.Record(server, wrapped)
		return nil, wrapped
	}

	if !ok {
		return fail(fmt.Errorf("server not connected"))
	}
	if transport == config.TransportHTTP {
		return fail(fmt.Errorf("plain http transport does not support tool execution"))
	}
	if session == nil {
		return fail(fmt.Errorf("no live session"))
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	res, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return fail(err)
	}
	return res, nil
}

// Disconnect tears down the server's channel best-effort within a bounded
// timeout. Teardown errors from a channel owned by another execution context
// are logged and swallowed; forced cross-context cancellation can legitimately
// fail without leaking.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.cancelDiscovery(name)

	m.mu.Lock()
	state, ok := m.states[name]
	var session *mcp.ClientSession
	if ok {
		session = state.session
		state.session = nil
		state.plainTools = nil
	}
	delete(m.states, name)
	m.mu.Unlock()

	if session != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		closeCtx, cancel := context.WithTimeout(ctx, m.opts.DisconnectTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- session.Close() }()
		select {
		case err := <-done:
			if err != nil {
				m.opts.Logger.Warn("session teardown failed, continuing", "server", name, "error", err)
			}
		case <-closeCtx.Done():
			m.opts.Logger.Warn("session teardown timed out, continuing", "server", name)
		}
	}

	if err := m.registry.SetConnectionState(name, registry.StateDisconnected); err != nil {
		// Registry entry may already be gone during unregister.
		return nil
	}
	_ = m.registry.SetDiscoveryState(name, registry.DiscoveryIdle)
	return nil
}

// DisconnectAll tears down every live session.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		_ = m.Disconnect(ctx, name)
	}
}

// Connected reports whether a live session (or static plain-HTTP set) exists.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	return ok && (st.session != nil || len(st.plainTools) > 0)
}

func (m *Manager) monitorSession(name string, session *mcp.ClientSession) {
	err := session.Wait()
	m.mu.Lock()
	st, ok := m.states[name]
	stale := !ok || st.session != session
	if !stale {
		st.session = nil
	}
	m.mu.Unlock()
	if stale {
		return
	}
	if err != nil {
		m.opts.Logger.Warn("session ended", "server", name, "error", err)
		_ = m.registry.SetError(name, err.Error())
		m.classifier.Record(name, &errclass.ConnectionError{Server: name, Stage: "teardown", Err: err})
		return
	}
	_ = m.registry.SetConnectionState(name, registry.StateDisconnected)
}

func (m *Manager) discoveryState(name string) registry.DiscoveryState {
	if st := m.registry.Status(name); st != nil {
		return st.DiscoveryState
	}
	return registry.DiscoveryError
}

func (m *Manager) installStaticTools(name string, tools []catalog.Tool) {
	if err := m.catalog.ReplaceServer(name, tools); err != nil {
		m.opts.Logger.Warn("catalog persist failed", "server", name, "error", err)
	}
	_ = m.registry.SetToolCount(name, len(tools))
	_ = m.registry.SetDiscoveryState(name, registry.DiscoverySuccess)
}

func plainHTTPTools(cfg config.ServerConfig) []catalog.Tool {
	return []catalog.Tool{{
		Name:        "ping",
		Description: "Static placeholder tool. The plain HTTP transport does not implement discovery or execution.",
		Tags:        cfg.Tags,
	}}
}

func newImplementation(opts Options) *mcp.Implementation {
	return &mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion}
}
