// Package registry is the authoritative store of server configurations and
// live status. All status mutation goes through named setters; the only
// whole-map replacement is ReloadAll, which swaps atomically so readers never
// observe a torn mix of old and new entries.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/pkg/config"
)

// ConnectionState is the lifecycle of a server's transport channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnectionPath records which route actually carried the connection.
type ConnectionPath string

const (
	PathUnknown             ConnectionPath = "unknown"
	PathDirect              ConnectionPath = "direct"
	PathProxy               ConnectionPath = "proxy"
	PathProxyFallbackDirect ConnectionPath = "proxy-fallback-direct"
)

// DiscoveryState is the lifecycle of a server's tool enumeration.
type DiscoveryState string

const (
	DiscoveryIdle    DiscoveryState = "idle"
	DiscoveryPending DiscoveryState = "pending"
	DiscoveryRunning DiscoveryState = "running"
	DiscoverySuccess DiscoveryState = "success"
	DiscoveryError   DiscoveryState = "error"
	DiscoveryTimeout DiscoveryState = "timeout"
)

// HealthStatus is the result of the most recent availability probe.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ServerStatus is the mutable status record for one registered server. Field
// names in the JSON form are part of the control-plane compatibility surface.
type ServerStatus struct {
	Name                 string          `json:"name"`
	Enabled              bool            `json:"enabled"`
	Connected            bool            `json:"connected"`
	ConnectionState      ConnectionState `json:"connection_state"`
	ConnectionPath       ConnectionPath  `json:"connection_path"`
	DiscoveryState       DiscoveryState  `json:"discovery_state"`
	DiscoveryStartedAt   *time.Time      `json:"discovery_started_at,omitempty"`
	DiscoveryFinishedAt  *time.Time      `json:"discovery_finished_at,omitempty"`
	ToolCount            int             `json:"tool_count"`
	HealthStatus         HealthStatus    `json:"health_status"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	LastDiscoveryError   string          `json:"last_discovery_error,omitempty"`
	LastDiscoveryErrorAt *time.Time      `json:"last_discovery_error_at,omitempty"`
	Tags                 []string        `json:"tags,omitempty"`
}

type entry struct {
	cfg    config.ServerConfig
	status ServerStatus
}

// Registry owns the name-keyed configuration and status maps.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a server or refreshes its configuration. Re-registering an
// unchanged config is a no-op: tool_count and discovery history survive.
func (r *Registry) Register(name string, cfg config.ServerConfig) error {
	if name == "" {
		return fmt.Errorf("registry: server name must not be empty")
	}
	cfg.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[name]; ok {
		if reflect.DeepEqual(existing.cfg, cfg) {
			return nil
		}
		existing.cfg = cfg
		existing.status.Enabled = cfg.Enabled
		existing.status.Tags = append([]string(nil), cfg.Tags...)
		return nil
	}
	r.entries[name] = &entry{cfg: cfg, status: newStatus(name, cfg)}
	return nil
}

// Update replaces the configuration for an existing server.
func (r *Registry) Update(name string, cfg config.ServerConfig) error {
	cfg.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("registry: unknown server %q", name)
	}
	e.cfg = cfg
	e.status.Enabled = cfg.Enabled
	e.status.Tags = append([]string(nil), cfg.Tags...)
	return nil
}

// Unregister removes a server entirely.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("registry: unknown server %q", name)
	}
	delete(r.entries, name)
	return nil
}

// Get returns a copy of the server's configuration, or nil when unknown.
func (r *Registry) Get(name string) *config.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	cfg := e.cfg
	return &cfg
}

// Status returns a copy of the server's status record, or nil when unknown.
func (r *Registry) Status(name string) *ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	st := cloneStatus(e.status)
	return &st
}

// ListActive returns the names of enabled servers, sorted. Disabled entries
// stay registered but are not active; Snapshot is the full view.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if !e.status.Enabled {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns status copies for every registered server, sorted by name.
func (r *Registry) Snapshot() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerStatus, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneStatus(e.status))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReloadAll performs an atomic clear-then-repopulate from a fresh config set.
// Nothing carries over; callers wanting continuity must reconnect servers
// through the pipeline afterwards.
func (r *Registry) ReloadAll(configs map[string]config.ServerConfig) {
	fresh := make(map[string]*entry, len(configs))
	for name, cfg := range configs {
		cfg.Name = name
		fresh[name] = &entry{cfg: cfg, status: newStatus(name, cfg)}
	}
	r.mu.Lock()
	r.entries = fresh
	r.mu.Unlock()
}

// SetConnectionState transitions the connection state and keeps the derived
// connected flag in sync. Entering the error state requires a message via
// SetError; this setter only clears messages on reconnect.
func (r *Registry) SetConnectionState(name string, state ConnectionState) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.ConnectionState = state
		st.Connected = state == StateConnected
		if state == StateConnecting {
			st.ErrorMessage = ""
		}
		if !st.Connected && state != StateError {
			st.ConnectionPath = PathUnknown
		}
		return nil
	})
}

// SetConnectionPath records which route carried the live connection.
func (r *Registry) SetConnectionPath(name string, path ConnectionPath) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.ConnectionPath = path
		return nil
	})
}

// SetDiscoveryState transitions discovery, stamping started/finished times.
// Discovery may only leave idle/pending once the server is connected.
func (r *Registry) SetDiscoveryState(name string, state DiscoveryState) error {
	return r.mutate(name, func(st *ServerStatus) error {
		if state == DiscoveryRunning && !st.Connected {
			return fmt.Errorf("registry: server %q is not connected, discovery cannot start", name)
		}
		st.DiscoveryState = state
		now := time.Now()
		switch state {
		case DiscoveryRunning:
			st.DiscoveryStartedAt = &now
			st.DiscoveryFinishedAt = nil
		case DiscoverySuccess, DiscoveryError, DiscoveryTimeout:
			st.DiscoveryFinishedAt = &now
		}
		return nil
	})
}

// SetToolCount stores the catalogued tool count for the server.
func (r *Registry) SetToolCount(name string, count int) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.ToolCount = count
		return nil
	})
}

// SetError marks the server errored with a message.
func (r *Registry) SetError(name, message string) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.ConnectionState = StateError
		st.Connected = false
		st.ErrorMessage = message
		return nil
	})
}

// ClearError removes a recorded error message without touching the
// connection state.
func (r *Registry) ClearError(name string) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.ErrorMessage = ""
		return nil
	})
}

// SetHealth records the latest probe result.
func (r *Registry) SetHealth(name string, health HealthStatus) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.HealthStatus = health
		return nil
	})
}

// SetEnabled flips the enabled flag without unregistering.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	return r.mutate(name, func(st *ServerStatus) error {
		st.Enabled = enabled
		return nil
	})
}

// RecordDiscoveryError stores the last discovery failure alongside its
// timestamp. Discovery failure is independent of connection state.
func (r *Registry) RecordDiscoveryError(name, message string) error {
	return r.mutate(name, func(st *ServerStatus) error {
		now := time.Now()
		st.LastDiscoveryError = message
		st.LastDiscoveryErrorAt = &now
		return nil
	})
}

func (r *Registry) mutate(name string, fn func(*ServerStatus) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("registry: unknown server %q", name)
	}
	return fn(&e.status)
}

func newStatus(name string, cfg config.ServerConfig) ServerStatus {
	return ServerStatus{
		Name:            name,
		Enabled:         cfg.Enabled,
		ConnectionState: StateDisconnected,
		ConnectionPath:  PathUnknown,
		DiscoveryState:  DiscoveryIdle,
		HealthStatus:    HealthUnknown,
		Tags:            append([]string(nil), cfg.Tags...),
	}
}

func cloneStatus(st ServerStatus) ServerStatus {
	out := st
	out.Tags = append([]string(nil), st.Tags...)
	if st.DiscoveryStartedAt != nil {
		t := *st.DiscoveryStartedAt
		out.DiscoveryStartedAt = &t
	}
	if st.DiscoveryFinishedAt != nil {
		t := *st.DiscoveryFinishedAt
		out.DiscoveryFinishedAt = &t
	}
	if st.LastDiscoveryErrorAt != nil {
		t := *st.LastDiscoveryErrorAt
		out.LastDiscoveryErrorAt = &t
	}
	return out
}
