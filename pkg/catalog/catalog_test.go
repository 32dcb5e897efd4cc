package catalog

import (
	"path/filepath"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

func TestToolID(t *testing.T) {
	t.Parallel()
	if got := ToolID("docs", "search"); got != "docs_search" {
		t.Fatalf("ToolID() = %q", got)
	}
}

func TestReplaceServerAssignsIdentity(t *testing.T) {
	t.Parallel()
	c := New(nil)
	if err := c.ReplaceServer("docs", []Tool{
		{Name: "search", Description: "full text search"},
		{Name: "fetch"},
	}); err != nil {
		t.Fatalf("ReplaceServer: %v", err)
	}

	tool, ok := c.Get("docs_search")
	if !ok {
		t.Fatalf("tool missing after replace")
	}
	if tool.Server != "docs" || tool.Name != "search" || tool.Source != SourceLive {
		t.Fatalf("identity not assigned: %#v", tool)
	}
	if c.CountServer("docs") != 2 {
		t.Fatalf("CountServer = %d", c.CountServer("docs"))
	}

	// A second replace fully supersedes the first set.
	if err := c.ReplaceServer("docs", []Tool{{Name: "fetch"}}); err != nil {
		t.Fatalf("ReplaceServer: %v", err)
	}
	if _, ok := c.Get("docs_search"); ok {
		t.Fatalf("stale tool survived replace")
	}
	if c.CountServer("docs") != 1 {
		t.Fatalf("CountServer after replace = %d", c.CountServer("docs"))
	}
}

func TestReplaceServerLeavesOthersAlone(t *testing.T) {
	t.Parallel()
	c := New(nil)
	c.ReplaceServer("docs", []Tool{{Name: "search"}})
	c.ReplaceServer("files", []Tool{{Name: "read"}})

	c.ReplaceServer("docs", nil)
	if _, ok := c.Get("files_read"); !ok {
		t.Fatalf("unrelated server's tools dropped")
	}
	if c.CountServer("docs") != 0 {
		t.Fatalf("docs should be empty")
	}
}

func TestOwnerHandlesUnderscoredServerNames(t *testing.T) {
	t.Parallel()
	c := New(nil)
	c.ReplaceServer("my_docs", []Tool{{Name: "search_all"}})

	server, tool, err := c.Owner("my_docs_search_all")
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if server != "my_docs" || tool != "search_all" {
		t.Fatalf("Owner() = %q, %q", server, tool)
	}
	if _, _, err := c.Owner("nope"); err == nil {
		t.Fatalf("unknown id should error")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	c := New(store)
	schema := &jsonschema.Schema{Type: "object"}
	if err := c.ReplaceServer("docs", []Tool{
		{Name: "search", Description: "full text search", Schema: schema, Tags: []string{"read"}, EstimatedCost: 0.5},
	}); err != nil {
		t.Fatalf("ReplaceServer: %v", err)
	}

	// A fresh catalog over the same store restores the set from disk.
	restored := New(store)
	n, err := restored.RestoreCached("docs")
	if err != nil {
		t.Fatalf("RestoreCached: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d tools, want 1", n)
	}
	tool, ok := restored.Get("docs_search")
	if !ok {
		t.Fatalf("restored tool missing")
	}
	if tool.Source != SourceCache {
		t.Fatalf("restored source = %q, want cache", tool.Source)
	}
	if tool.Description != "full text search" || tool.EstimatedCost != 0.5 {
		t.Fatalf("metadata lost in round trip: %#v", tool)
	}
	if tool.Schema == nil || tool.Schema.Type != "object" {
		t.Fatalf("schema lost in round trip: %#v", tool.Schema)
	}
	if tool.CachedAt.IsZero() {
		t.Fatalf("cached_at not persisted")
	}
}

func TestRemoveServerPurgesCache(t *testing.T) {
	t.Parallel()
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	c := New(store)
	c.ReplaceServer("docs", []Tool{{Name: "search"}})
	if err := c.RemoveServer("docs"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}

	fresh := New(store)
	n, err := fresh.RestoreCached("docs")
	if err != nil {
		t.Fatalf("RestoreCached: %v", err)
	}
	if n != 0 {
		t.Fatalf("cache rows survived RemoveServer: %d", n)
	}
}

func TestRestoreCachedWithoutStore(t *testing.T) {
	t.Parallel()
	c := New(nil)
	n, err := c.RestoreCached("docs")
	if err != nil || n != 0 {
		t.Fatalf("RestoreCached without store = %d, %v", n, err)
	}
}
