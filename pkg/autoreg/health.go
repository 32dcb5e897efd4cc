package autoreg

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/registry"
)

const healthProbeTimeout = 5 * time.Second

// checkAll health-checks every registered server and persists the result.
func (p *Pipeline) checkAll(ctx context.Context) {
	for _, name := range p.registry.ListActive() {
		cfg := p.registry.Get(name)
		if cfg == nil {
			continue
		}
		p.checkServer(ctx, name, *cfg)
	}
}

// checkServer probes one server: an existence check for stdio commands, a
// presence check (and optional HTTP probe) for URLs.
func (p *Pipeline) checkServer(ctx context.Context, name string, cfg config.ServerConfig) {
	err := probe(ctx, cfg)
	if err != nil {
		hcErr := &errclass.HealthCheckError{Server: name, Err: err}
		p.classifier.Record(name, hcErr)
		_ = p.registry.SetHealth(name, registry.HealthUnhealthy)
		p.opts.Logger.Debug("health check failed", "server", name, "error", err)
		return
	}
	_ = p.registry.SetHealth(name, registry.HealthHealthy)
}

func probe(ctx context.Context, cfg config.ServerConfig) error {
	switch cfg.Transport {
	case config.TransportStdio:
		if _, err := exec.LookPath(cfg.Command); err != nil {
			return fmt.Errorf("command %q not found: %w", cfg.Command, err)
		}
		return nil
	case config.TransportStreamHTTP, config.TransportHTTP:
		if cfg.URL == "" {
			if cfg.Mode == config.RouteViaProxy {
				return nil
			}
			return fmt.Errorf("no url configured")
		}
		parsed, err := url.Parse(cfg.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("invalid url %q", cfg.URL)
		}
		if cfg.Health == nil || !cfg.Health.Enabled {
			return nil
		}
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, cfg.URL, nil)
		if err != nil {
			return err
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode >= 500 {
			return fmt.Errorf("endpoint returned %d", res.StatusCode)
		}
		return nil
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// healthMonitor re-checks all servers on a cron schedule so health_status
// stays current after startup.
type healthMonitor struct {
	pipeline *Pipeline

	mu   sync.Mutex
	cron *cron.Cron
}

func newHealthMonitor(p *Pipeline) *healthMonitor {
	return &healthMonitor{pipeline: p}
}

func (h *healthMonitor) start(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		h.pipeline.checkAll(context.Background())
	})
	if err != nil {
		h.pipeline.opts.Logger.Warn("health monitor schedule rejected", "error", err)
		return
	}
	c.Start()
	h.cron = c
}

func (h *healthMonitor) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		h.cron.Stop()
		h.cron = nil
	}
}
