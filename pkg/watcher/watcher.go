// Package watcher observes the persisted config file and converges live
// state to match edits. It watches the directory containing the file rather
// than the file handle itself, because editors frequently replace files via
// a temporary file instead of writing in place.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/pkg/autoreg"
	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/clientmgr"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// Options configure a Watcher.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Debounce coalesces bursts of file events before reloading.
	Debounce time.Duration
	// StopGrace bounds how long Stop waits for the loop to drain.
	StopGrace time.Duration
	// OnReload, when set, observes the parsed config after each applied
	// reload (used to refresh gateway-level settings such as policy).
	OnReload func(*config.Config)
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	return opts
}

// Watcher converges registry, sessions, and catalog to match config edits.
// Exactly one reload is in flight at a time; triggers during a reload queue
// a single follow-up pass instead of overlapping.
type Watcher struct {
	opts     Options
	path     string
	registry *registry.Registry
	pipeline *autoreg.Pipeline
	manager  *clientmgr.Manager
	catalog  *catalog.Catalog

	mu        sync.Mutex
	reloading bool
	queued    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a Watcher for the config file at path.
func New(path string, reg *registry.Registry, pipe *autoreg.Pipeline, mgr *clientmgr.Manager, cat *catalog.Catalog, opts *Options) *Watcher {
	return &Watcher{
		opts:     opts.withDefaults(),
		path:     path,
		registry: reg,
		pipeline: pipe,
		manager:  mgr,
		catalog:  cat,
	}
}

// Start begins watching. The loop runs until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.run(ctx, fsw, done)
	return nil
}

// Stop cancels the loop and waits up to the configured grace period.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(w.opts.StopGrace):
		w.opts.Logger.Warn("watcher did not drain within grace period")
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer fsw.Close()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.opts.Debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.opts.Debounce)
			}
			fire = debounce.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watch error", "error", err)
		case <-fire:
			fire = nil
			w.trigger(ctx)
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// trigger starts a reload unless one is already running, in which case a
// single follow-up is queued.
func (w *Watcher) trigger(ctx context.Context) {
	w.mu.Lock()
	if w.reloading {
		w.queued = true
		w.mu.Unlock()
		return
	}
	w.reloading = true
	w.mu.Unlock()

	go func() {
		for {
			w.Reload(ctx)
			w.mu.Lock()
			if !w.queued {
				w.reloading = false
				w.mu.Unlock()
				return
			}
			w.queued = false
			w.mu.Unlock()
		}
	}()
}

// Reload parses the config and applies the diff between the registry's
// current server set and the file's. A failure applying one server's diff is
// logged and the remaining entries still proceed.
func (w *Watcher) Reload(ctx context.Context) {
	reloadID := uuid.NewString()[:8]
	log := w.opts.Logger.With("reload", reloadID)

	cfg, skipped, err := config.LoadLenient(w.path)
	if err != nil {
		log.Error("reload aborted, config unreadable", "error", err)
		return
	}
	for name, serr := range skipped {
		log.Warn("skipping malformed server entry", "server", name, "error", serr)
	}

	current := make([]string, 0)
	for _, st := range w.registry.Snapshot() {
		current = append(current, st.Name)
	}
	removed, added, kept := diff(current, cfg.Servers)

	for _, name := range removed {
		if err := w.pipeline.Unregister(ctx, name); err != nil {
			log.Warn("unregister failed", "server", name, "error", err)
		}
		if err := w.catalog.RemoveServer(name); err != nil {
			log.Warn("catalog cleanup failed", "server", name, "error", err)
		}
		log.Info("server removed", "server", name)
	}

	for _, name := range added {
		if err := w.pipeline.RegisterNew(ctx, name, cfg.Servers[name]); err != nil {
			log.Warn("register failed, server remains visible", "server", name, "error", err)
		} else {
			log.Info("server added", "server", name)
		}
	}

	for _, name := range kept {
		w.applyUpdate(ctx, log, name, cfg.Servers[name])
	}

	if w.opts.OnReload != nil {
		w.opts.OnReload(cfg)
	}
	log.Info("reload applied", "removed", len(removed), "added", len(added), "updated", len(kept))
}

func (w *Watcher) applyUpdate(ctx context.Context, log *slog.Logger, name string, next config.ServerConfig) {
	prev := w.registry.Get(name)
	if prev == nil {
		return
	}
	next.Name = name
	if reflect.DeepEqual(*prev, next) {
		return
	}
	if !next.Enabled {
		if err := w.registry.Update(name, next); err != nil {
			log.Warn("update failed", "server", name, "error", err)
			return
		}
		_ = w.manager.Disconnect(ctx, name)
		_ = w.registry.SetEnabled(name, false)
		log.Info("server disabled", "server", name)
		return
	}
	if err := w.registry.Update(name, next); err != nil {
		log.Warn("update failed", "server", name, "error", err)
		return
	}
	_ = w.manager.Disconnect(ctx, name)
	if _, err := w.manager.Connect(ctx, name, next); err != nil {
		log.Warn("reconnect after update failed", "server", name, "error", err)
		return
	}
	log.Info("server updated", "server", name)
}

// diff partitions the current active names against the incoming server set.
func diff(current []string, next map[string]config.ServerConfig) (removed, added, kept []string) {
	currentSet := make(map[string]struct{}, len(current))
	for _, name := range current {
		currentSet[name] = struct{}{}
	}
	for _, name := range current {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name := range next {
		if _, ok := currentSet[name]; ok {
			kept = append(kept, name)
		} else {
			added = append(added, name)
		}
	}
	return removed, added, kept
}
