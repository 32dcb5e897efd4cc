package commands

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/pkg/autoreg"
	"github.com/mcpgate/mcpgate/pkg/catalog"
	"github.com/mcpgate/mcpgate/pkg/clientmgr"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/watcher"
)

var healthInterval time.Duration

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE:  runServe,
	}
	cmd.Flags().DurationVar(&healthInterval, "health-interval", time.Minute, "Periodic health re-check interval (0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := configureLogger(cfg.LogLevel, logLevelOverride)
	if err != nil {
		return err
	}

	var store *catalog.Store
	if cfg.CatalogCachePath != "" {
		store, err = catalog.OpenStore(cfg.CatalogCachePath)
		if err != nil {
			return fmt.Errorf("open catalog cache: %w", err)
		}
		defer store.Close()
	}
	cat := catalog.New(store)

	reg := registry.New()
	classifier, err := errclass.NewClassifier(&errclass.ClassifierOptions{})
	if err != nil {
		return fmt.Errorf("init classifier: %w", err)
	}

	manager := clientmgr.NewManager(reg, cat, classifier, &clientmgr.Options{
		Logger:       logger,
		ProxyBaseURL: cfg.ProxyBaseURL,
	})
	pipeline := autoreg.New(reg, manager, classifier, &autoreg.Options{
		Logger:         logger,
		HealthInterval: healthInterval,
	})

	result := pipeline.Run(ctx, cfg.Servers)
	logger.Info("registration finished",
		"connected", result.Connected, "fallback", result.Fallback, "disabled", result.Disabled)

	// Servers that failed to connect can still serve their last discovered
	// tool set from the cache.
	if store != nil {
		for name := range pipeline.Failed() {
			if n, err := cat.RestoreCached(name); err == nil && n > 0 {
				logger.Info("restored cached tools", "server", name, "count", n)
			}
		}
	}

	gw := gateway.New(reg, manager, cat, pipeline, classifier, &gateway.Options{
		Logger:     logger,
		Policy:     cfg.Policy,
		ToolBudget: cfg.ToolBudget,
	})

	w := watcher.New(configPath, reg, pipeline, manager, cat, &watcher.Options{
		Logger: logger,
		OnReload: func(next *config.Config) {
			gw.SetPolicy(next.Policy)
		},
	})
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	serveErr := gw.ListenAndServe(ctx, addr)

	w.Stop()
	pipeline.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.DisconnectAll(shutdownCtx)
	return serveErr
}
