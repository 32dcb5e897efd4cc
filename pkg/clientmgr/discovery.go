package clientmgr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// discoveryTask is the single tracked background discovery for one server
// name. Later operations on the same name await or cancel it instead of
// racing a fire-and-forget goroutine.
type discoveryTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startDiscovery launches discovery as an independent concurrent operation.
// Any prior in-flight task for the name is cancelled first.
func (m *Manager) startDiscovery(name string, session *mcp.ClientSession) {
	m.cancelDiscovery(name)

	ctx, cancel := context.WithCancel(context.Background())
	task := &discoveryTask{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		cancel()
		return
	}
	st.discovery = task
	m.mu.Unlock()

	_ = m.registry.SetDiscoveryState(name, registry.DiscoveryPending)

	go func() {
		defer close(task.done)
		defer cancel()
		if err := m.runDiscovery(ctx, name, session); err != nil {
			m.opts.Logger.Warn("discovery failed", "server", name, "error", err)
		}
		m.mu.Lock()
		if st, ok := m.states[name]; ok && st.discovery == task {
			st.discovery = nil
		}
		m.mu.Unlock()
	}()
}

// cancelDiscovery cancels and drains the in-flight task for name, if any.
func (m *Manager) cancelDiscovery(name string) {
	m.mu.Lock()
	var task *discoveryTask
	if st, ok := m.states[name]; ok && st.discovery != nil {
		task = st.discovery
		st.discovery = nil
	}
	m.mu.Unlock()
	if task != nil {
		task.cancel()
		<-task.done
	}
}

// runDiscovery enumerates the server's tools, applies the configured
// allow/deny filter, refreshes the catalog, and updates registry state.
// A discovery failure leaves the server connected.
func (m *Manager) runDiscovery(ctx context.Context, name string, session *mcp.ClientSession) error {
	if err := m.registry.SetDiscoveryState(name, registry.DiscoveryRunning); err != nil {
		return err
	}

	m.mu.Lock()
	var cfg config.ServerConfig
	if st, ok := m.states[name]; ok {
		cfg = st.cfg
	}
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	res, err := session.ListTools(callCtx, nil)
	if err != nil {
		state := registry.DiscoveryError
		if errors.Is(err, context.DeadlineExceeded) {
			state = registry.DiscoveryTimeout
		}
		_ = m.registry.SetDiscoveryState(name, state)
		_ = m.registry.RecordDiscoveryError(name, err.Error())
		m.classifier.Record(name, err)
		return err
	}

	tools := make([]catalog.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		if t == nil || !cfg.Filter.Admits(t.Name) {
			continue
		}
		tools = append(tools, catalog.Tool{
			Name:          t.Name,
			Description:   t.Description,
			Schema:        toolSchema(t.InputSchema),
			Tags:          cfg.Tags,
			EstimatedCost: estimatedCost(t),
		})
	}
	if err := m.catalog.ReplaceServer(name, tools); err != nil {
		m.opts.Logger.Warn("catalog persist failed", "server", name, "error", err)
	}
	_ = m.registry.SetToolCount(name, len(tools))
	_ = m.registry.SetDiscoveryState(name, registry.DiscoverySuccess)
	return nil
}

// toolSchema normalizes a tool's input schema into its typed form. Servers
// hand us *jsonschema.Schema directly; over the wire the schema arrives as
// generic JSON (map[string]any). A schema that fails to remarshal degrades
// to nil rather than failing the whole discovery.
func toolSchema(v any) *jsonschema.Schema {
	switch s := v.(type) {
	case nil:
		return nil
	case *jsonschema.Schema:
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil
	}
	return &schema
}

func estimatedCost(t *mcp.Tool) float64 {
	if t.Meta == nil {
		return 0
	}
	if v, ok := t.Meta["estimated_cost"].(float64); ok {
		return v
	}
	return 0
}
