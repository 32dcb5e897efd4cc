// Package catalog holds the tool catalog populated by discovery. The catalog
// is a superset of what the gateway exposes; gating decides the callable
// subset. Entries can optionally be persisted to a SQLite cache so a server
// that is temporarily down still lists its last-known tools.
package catalog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Source indicates where a catalog entry's metadata was obtained.
type Source string

const (
	SourceLive  Source = "live"
	SourceCache Source = "cache"
)

// Tool is one named, schema-described operation owned by a backend server.
type Tool struct {
	ID            string             `json:"id"`
	Server        string             `json:"server"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Schema        *jsonschema.Schema `json:"schema,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
	EstimatedCost float64            `json:"estimated_cost,omitempty"`
	Source        Source             `json:"source"`
	CachedAt      time.Time          `json:"cached_at,omitzero"`
}

// ToolID derives the catalog identifier for a server/tool pair.
func ToolID(server, tool string) string {
	return server + "_" + tool
}

// Catalog indexes tools by id and by owning server.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	byServer map[string][]string

	store *Store // nil disables persistence
}

// New returns an in-memory catalog. Pass a non-nil Store to persist entries.
func New(store *Store) *Catalog {
	return &Catalog{
		tools:    make(map[string]Tool),
		byServer: make(map[string][]string),
		store:    store,
	}
}

// ReplaceServer swaps the full tool set for one server, assigning ids and
// marking entries live. The previous set for that server is dropped; other
// servers are untouched. When a store is attached the fresh set is persisted
// best-effort and a persistence failure does not fail the replace.
func (c *Catalog) ReplaceServer(server string, tools []Tool) (persistErr error) {
	now := time.Now()
	prepared := make([]Tool, 0, len(tools))
	for _, t := range tools {
		t.Server = server
		t.ID = ToolID(server, t.Name)
		t.Source = SourceLive
		t.CachedAt = now
		prepared = append(prepared, t)
	}

	c.mu.Lock()
	for _, id := range c.byServer[server] {
		delete(c.tools, id)
	}
	ids := make([]string, 0, len(prepared))
	for _, t := range prepared {
		c.tools[t.ID] = t
		ids = append(ids, t.ID)
	}
	c.byServer[server] = ids
	c.mu.Unlock()

	if c.store != nil {
		persistErr = c.store.ReplaceServer(server, prepared)
	}
	return persistErr
}

// RestoreCached loads the persisted tool set for a server and installs it
// with source=cache. It is a no-op without a store or cached rows.
func (c *Catalog) RestoreCached(server string) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	cached, err := c.store.LoadServer(server)
	if err != nil {
		return 0, err
	}
	if len(cached) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	for _, id := range c.byServer[server] {
		delete(c.tools, id)
	}
	ids := make([]string, 0, len(cached))
	for _, t := range cached {
		t.Source = SourceCache
		c.tools[t.ID] = t
		ids = append(ids, t.ID)
	}
	c.byServer[server] = ids
	c.mu.Unlock()
	return len(cached), nil
}

// RemoveServer drops every tool owned by the server, including cached rows.
func (c *Catalog) RemoveServer(server string) error {
	c.mu.Lock()
	for _, id := range c.byServer[server] {
		delete(c.tools, id)
	}
	delete(c.byServer, server)
	c.mu.Unlock()
	if c.store != nil {
		return c.store.DeleteServer(server)
	}
	return nil
}

// Get looks up a tool by id.
func (c *Catalog) Get(id string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[id]
	return t, ok
}

// List returns every catalogued tool, sorted by id.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListServer returns the tools owned by one server, sorted by id.
func (c *Catalog) ListServer(server string) []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byServer[server]
	out := make([]Tool, 0, len(ids))
	for _, id := range ids {
		if t, ok := c.tools[id]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountServer returns how many tools a server currently owns.
func (c *Catalog) CountServer(server string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byServer[server])
}

// Owner splits a tool id back into its owning server and native tool name
// against the current index. Unlike string splitting this is unambiguous for
// server names containing underscores.
func (c *Catalog) Owner(id string) (server, tool string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[id]
	if !ok {
		return "", "", fmt.Errorf("catalog: unknown tool %q", id)
	}
	return t.Server, t.Name, nil
}
