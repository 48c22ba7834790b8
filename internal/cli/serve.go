package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sbswitch/sbswitch/internal/api"
	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the refresh scheduler, login capture and HTTP API",
	Long: `Start sbswitch in the foreground.

This connects to Chrome, refreshes stored sessions on the configured
schedule, captures finished dashboard logins as pending sessions and serves
the command API.

Example:
  chrome --remote-debugging-port=9222 &
  sbswitch serve --config config.yaml

The command runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
	NoAPI   bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", envInt("SBSWITCH_PORT", 0), "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 0), "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.NoAPI, "no-api", false, "Do not start the HTTP API")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	logger := newLogger(cfg, os.Stderr)
	loader.SetLogger(logger)
	logger.Info("starting sbswitch", "version", Version, "config", loader.Path(), "storage", cfg.Storage.Driver, "path", cfg.Storage.Path)

	ctx, stop := api.SetupSignalHandler(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{browser: true, optionalBrowser: true})
	if err != nil {
		return err
	}

	if err := a.sweeper.Start(); err != nil {
		a.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.browser != nil && a.watcher != nil {
		events, err := a.browser.Navigations(gctx)
		if err != nil {
			logger.Warn("login capture unavailable", "error", err)
		} else {
			g.Go(func() error {
				a.watcher.Run(gctx, events)
				return nil
			})
		}
	}

	watchConfig(gctx, loader, logger)

	if cfg.API.Enabled {
		server := api.NewServer(cfg.Server, cfg.API, a.dispatcher,
			api.WithLogger(logger.With("component", "api")),
			api.WithMetrics(a.metrics),
			api.WithStatus(a.health),
		)
		if cfg.API.Auth.Enabled {
			logger.Info("API authentication enabled", "header", cfg.API.Auth.HeaderName, "keys", api.MaskAPIKeys(cfg.API.Auth.APIKeys))
		}
		g.Go(func() error {
			return server.Run(gctx)
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	runErr := g.Wait()

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownErr := api.ShutdownComponents(cfg.Server.ShutdownTimeout, []api.Shutdownable{
		api.ShutdownFunc(func(ctx context.Context) error {
			a.sweeper.Stop(ctx)
			return nil
		}),
		api.ShutdownFunc(func(ctx context.Context) error {
			return a.Close()
		}),
	})
	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	logger.Info("graceful shutdown completed")
	return nil
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
	if serveFlags.NoAPI {
		cfg.API.Enabled = false
	}
}

// watchConfig reports edits of the config file. Components are built once,
// so a change takes effect on the next start.
func watchConfig(ctx context.Context, loader *config.Loader, logger *logging.Logger) {
	if _, err := os.Stat(loader.Path()); err != nil {
		return
	}
	auditor := logging.NewAuditor(logger)
	loader.SetOnChange(func(cfg *config.Config) {
		auditor.Record(ctx, logging.NewAuditEvent(logging.ConfigChange, logging.StatusSuccess).
			WithSource("config_watcher").
			WithDetail("path", loader.Path()))
		logger.Warn("configuration changed; restart sbswitch to apply it", "path", loader.Path())
	})
	if err := loader.StartWatcher(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
}

// health reports store and browser state for /health.
func (a *app) health(ctx context.Context) (map[string]interface{}, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessions": stats,
		"browser":  a.browser != nil,
		"states":   a.tracker.Counts(),
	}, nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
