// Package autoreg brings every configured server to a connected, discovered
// state. Stage 1 attempts primary registration (registry entry + connect)
// with a fallback registration (entry only, marked disconnected) so an
// unreachable server stays visible and reconnectable. Stage 2 health-checks
// each registered server. Stage 3 retries failed registrations in the
// background with exponential backoff.
package autoreg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpgate/mcpgate/pkg/clientmgr"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

// Options configure the pipeline.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// MaxAttempts bounds stage-3 retries per server.
	MaxAttempts int
	// BaseDelay is the stage-3 backoff base; delay grows as base * 2^attempt.
	BaseDelay time.Duration
	// HealthInterval schedules periodic re-checks; zero disables them.
	HealthInterval time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	return opts
}

// Result summarizes a pipeline run.
type Result struct {
	// Connected servers completed primary registration.
	Connected []string
	// Fallback servers are registered but disconnected, pending retry.
	Fallback []string
	// Disabled servers are registered without a connection attempt.
	Disabled []string
}

// Pipeline orchestrates registration, health checks, and retries.
type Pipeline struct {
	opts       Options
	registry   *registry.Registry
	manager    *clientmgr.Manager
	classifier *errclass.Classifier

	mu         sync.Mutex
	successful map[string]struct{}
	failed     map[string]string // name -> original error message
	retrying   map[string]context.CancelFunc

	health *healthMonitor
}

// New wires a Pipeline to its collaborators.
func New(reg *registry.Registry, mgr *clientmgr.Manager, cls *errclass.Classifier, opts *Options) *Pipeline {
	p := &Pipeline{
		opts:       opts.withDefaults(),
		registry:   reg,
		manager:    mgr,
		classifier: cls,
		successful: make(map[string]struct{}),
		failed:     make(map[string]string),
		retrying:   make(map[string]context.CancelFunc),
	}
	p.health = newHealthMonitor(p)
	return p
}

// Run executes stages 1 and 2 and launches stage 3 in the background.
// Stage 1 connects all enabled servers concurrently; disabled servers are
// registered so they remain visible but are never dialed.
func (p *Pipeline) Run(ctx context.Context, servers map[string]config.ServerConfig) Result {
	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
	)

	for name, cfg := range servers {
		if !cfg.Enabled {
			if err := p.registry.Register(name, cfg); err != nil {
				p.opts.Logger.Warn("register disabled server failed", "server", name, "error", err)
				continue
			}
			mu.Lock()
			result.Disabled = append(result.Disabled, name)
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, cfg config.ServerConfig) {
			defer wg.Done()
			err := p.registerServer(ctx, name, cfg)
			mu.Lock()
			if err == nil {
				result.Connected = append(result.Connected, name)
			} else {
				result.Fallback = append(result.Fallback, name)
			}
			mu.Unlock()
		}(name, cfg)
	}
	wg.Wait()

	p.checkAll(ctx)

	p.mu.Lock()
	for name := range p.failed {
		p.startRetryLocked(ctx, name)
	}
	p.mu.Unlock()

	if p.opts.HealthInterval > 0 {
		p.health.start(p.opts.HealthInterval)
	}
	return result
}

// registerServer performs the primary/fallback attempt for one server. The
// attempt is atomic from the registry's point of view: the entry is created
// first, so a failed connect leaves a visible, errored, reconnectable entry
// rather than a half-registered one.
func (p *Pipeline) registerServer(ctx context.Context, name string, cfg config.ServerConfig) error {
	if err := p.registry.Register(name, cfg); err != nil {
		return err
	}
	if _, err := p.manager.Connect(ctx, name, cfg); err != nil {
		// Fallback registration: the entry stays, explicitly disconnected.
		p.opts.Logger.Warn("primary registration failed, falling back",
			"server", name, "error", err)
		p.mu.Lock()
		delete(p.successful, name)
		if _, already := p.failed[name]; !already {
			p.failed[name] = err.Error()
		}
		p.mu.Unlock()
		return err
	}
	p.mu.Lock()
	delete(p.failed, name)
	p.successful[name] = struct{}{}
	p.mu.Unlock()
	return nil
}

// RegisterNew is the out-of-band entry point for servers added after
// startup. It reuses the identical primary/fallback logic and health check.
func (p *Pipeline) RegisterNew(ctx context.Context, name string, cfg config.ServerConfig) error {
	if !cfg.Enabled {
		return p.registry.Register(name, cfg)
	}
	err := p.registerServer(ctx, name, cfg)
	p.checkServer(ctx, name, cfg)
	if err != nil {
		p.mu.Lock()
		p.startRetryLocked(context.Background(), name)
		p.mu.Unlock()
	}
	return err
}

// Unregister removes a server added at runtime: stops its retry loop,
// disconnects, and drops the registry entry.
func (p *Pipeline) Unregister(ctx context.Context, name string) error {
	p.mu.Lock()
	if cancel, ok := p.retrying[name]; ok {
		cancel()
		delete(p.retrying, name)
	}
	delete(p.failed, name)
	delete(p.successful, name)
	p.mu.Unlock()

	_ = p.manager.Disconnect(ctx, name)
	return p.registry.Unregister(name)
}

// Stop halts background retries and the periodic health monitor.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	for name, cancel := range p.retrying {
		cancel()
		delete(p.retrying, name)
	}
	p.mu.Unlock()
	p.health.stop()
}

// Successful returns the names that completed primary registration.
func (p *Pipeline) Successful() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.successful))
	for name := range p.successful {
		out = append(out, name)
	}
	return out
}

// Failed returns the names still awaiting a successful registration, with
// their original error messages.
func (p *Pipeline) Failed() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.failed))
	for name, msg := range p.failed {
		out[name] = msg
	}
	return out
}

// startRetryLocked launches the stage-3 retry loop for one failed server.
// Each server's retry state has exactly one writer: this goroutine. Callers
// must hold p.mu.
func (p *Pipeline) startRetryLocked(ctx context.Context, name string) {
	if _, running := p.retrying[name]; running {
		return
	}
	retryCtx, cancel := context.WithCancel(ctx)
	p.retrying[name] = cancel

	originalErr := p.failed[name]

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.retrying, name)
			p.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.opts.BaseDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		if p.classifier.CircuitBroken(name) {
			// Flagged servers back off more aggressively.
			b.InitialInterval *= 4
		}

		// WithMaxRetries counts retries after the first call, so the loop
		// makes MaxAttempts connect attempts in total.
		retries := uint64(0)
		if p.opts.MaxAttempts > 1 {
			retries = uint64(p.opts.MaxAttempts - 1)
		}
		err := backoff.Retry(func() error {
			cfg := p.registry.Get(name)
			if cfg == nil {
				return backoff.Permanent(errRemoved)
			}
			if _, err := p.manager.Connect(retryCtx, name, *cfg); err != nil {
				return err
			}
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(b, retries), retryCtx))

		if err != nil {
			if err == errRemoved || retryCtx.Err() != nil {
				return
			}
			// Exhausted: keep the original failure message, not the last
			// generic retry error.
			_ = p.registry.SetError(name, originalErr)
			p.opts.Logger.Warn("registration retries exhausted",
				"server", name, "attempts", p.opts.MaxAttempts)
			return
		}

		p.mu.Lock()
		delete(p.failed, name)
		p.successful[name] = struct{}{}
		p.mu.Unlock()
		p.opts.Logger.Info("registration recovered", "server", name)
	}()
}

type removedSentinel struct{}

func (removedSentinel) Error() string { return "server removed during retry" }

var errRemoved = removedSentinel{}
