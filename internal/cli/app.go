package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sbswitch/sbswitch/internal/capture"
	"github.com/sbswitch/sbswitch/internal/commands"
	"github.com/sbswitch/sbswitch/internal/config"
	"github.com/sbswitch/sbswitch/internal/credential"
	"github.com/sbswitch/sbswitch/internal/host"
	"github.com/sbswitch/sbswitch/internal/lifecycle"
	"github.com/sbswitch/sbswitch/internal/logging"
	"github.com/sbswitch/sbswitch/internal/metrics"
	"github.com/sbswitch/sbswitch/internal/refresh"
	"github.com/sbswitch/sbswitch/internal/sessions"
	"github.com/sbswitch/sbswitch/internal/store"
	"github.com/sbswitch/sbswitch/internal/switcher"
)

// app holds the components every command runs on.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      *store.Store
	metrics    *metrics.Metrics
	tracker    *lifecycle.Tracker
	sweeper    *lifecycle.Sweeper
	sessions   *sessions.Manager
	switcher   *switcher.Switcher
	watcher    *capture.Watcher
	dispatcher *commands.Dispatcher
	browser    *host.ChromeHost
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	// browser connects to Chrome. Failure is fatal unless optionalBrowser.
	browser         bool
	optionalBrowser bool
	// hostOverride replaces the Chrome connection, for tests.
	hostOverride host.Host
	// refresher replaces the HTTP refresh client, for tests.
	refresher refresh.Refresher
}

// loadConfig reads --config, falling back to defaults when the file is
// missing, and applies --db.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.LoadOrDefault()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if globalFlags.DBPath != "" {
		cfg.Storage.Path = globalFlags.DBPath
		if cfg.Storage.Driver == config.DriverMemory {
			cfg.Storage.Driver = config.DriverSQLite
		}
	}
	return loader, cfg, nil
}

// newLogger logs to w at the configured level, or debug with --verbose.
func newLogger(cfg *config.Config, w io.Writer) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithService("sbswitch"),
	)
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	st, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.NewMetrics("sbswitch"),
	}
	auditor := logging.NewAuditor(logger)
	codec := credential.NewCodec(cfg.Provider.KeyPrefix, cfg.Provider.KeySuffix)

	refresher := opts.refresher
	if refresher == nil {
		refresher = refresh.NewClient(cfg.Provider.Domain,
			refresh.WithHTTPClient(refresh.NewHTTPClient(cfg.Refresh.Timeout, cfg.Refresh.UseUTLS)),
			refresh.WithTimeout(cfg.Refresh.Timeout),
			refresh.WithBaseURL(cfg.Provider.BaseURL),
			refresh.WithAnonKeys(cfg.Provider.AnonKeys),
			refresh.WithUserAgent("sbswitch/"+Version),
		)
	}

	a.tracker = lifecycle.NewTracker(nil)
	manager := lifecycle.NewManager(codec, refresher,
		lifecycle.WithPolicy(lifecycle.Policy{
			Threshold:        cfg.Refresh.Threshold,
			DefaultExpiresIn: cfg.Refresh.DefaultExpiresIn,
		}),
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithTracker(a.tracker),
		lifecycle.WithObserver(a.metrics),
		lifecycle.WithConcurrency(cfg.Refresh.Concurrency),
		lifecycle.WithTimeout(cfg.Refresh.Timeout),
	)
	a.sweeper, err = lifecycle.NewSweeper(manager, st, cfg.Refresh.Schedule,
		lifecycle.WithSweepLogger(logger.With("component", "sweeper")),
		lifecycle.WithSweepAuditor(auditor),
		lifecycle.WithSweepObserver(a.metrics),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	a.sessions = sessions.NewManager(st,
		sessions.WithLogger(logger.With("component", "sessions")),
		sessions.WithAuditor(auditor),
		sessions.WithForgetter(a.tracker),
	)

	var h host.Host
	switch {
	case opts.hostOverride != nil:
		h = opts.hostOverride
	case opts.browser:
		browser, err := host.NewChromeHost(ctx, host.ChromeConfig{
			DebugURL:     cfg.Browser.DebugURL,
			DashboardURL: cfg.Provider.DashboardURL,
			PageHost:     cfg.Provider.PageHost,
			Timeout:      cfg.Browser.Timeout,
		}, codec, logger)
		if err != nil {
			if !opts.optionalBrowser {
				st.Close()
				return nil, err
			}
			logger.Warn("browser not reachable; page actions are unavailable", "debug_url", cfg.Browser.DebugURL, "error", err)
		} else {
			a.browser = browser
			h = browser
		}
	}

	a.switcher = switcher.New(st, manager, h,
		switcher.WithLogger(logger.With("component", "switcher")),
		switcher.WithAuditor(auditor),
		switcher.WithObserver(a.metrics),
	)
	if h != nil && cfg.Capture.Enabled {
		a.watcher = capture.New(a.sessions, h, host.NewMatcher(cfg.Provider.DashboardURL, cfg.Provider.PageHost),
			capture.WithLogger(logger.With("component", "capture")),
		)
	}

	a.dispatcher = commands.NewDispatcher(commands.Deps{
		Sessions:     a.sessions,
		Switcher:     a.switcher,
		Sweeper:      a.sweeper,
		Tracker:      a.tracker,
		Watcher:      a.watcher,
		Host:         h,
		DashboardURL: cfg.Provider.DashboardURL,
		Logger:       logger,
	})
	a.metrics.WatchSessions(a.sessionCounts)
	return a, nil
}

// sessionCounts feeds the session gauges.
func (a *app) sessionCounts() (int, int) {
	stats, err := a.store.Stats(context.Background())
	if err != nil {
		return 0, 0
	}
	return stats.Sessions, stats.Expired
}

// run executes one command.
func (a *app) run(ctx context.Context, action string, data interface{}) (commands.Response, error) {
	cmd := commands.Command{Action: action}
	if data != nil {
		raw, err := marshalData(data)
		if err != nil {
			return nil, err
		}
		cmd.Data = raw
	}
	return a.dispatcher.Do(ctx, cmd)
}

func (a *app) Close() error {
	if a.browser != nil {
		_ = a.browser.Close()
	}
	return a.store.Close()
}

// appHook adjusts the options of every app built by withApp. Tests use it to
// swap in fakes.
var appHook func(*appOptions)

// withApp loads the configuration, builds an app for one command and closes
// it afterwards. Logs go to stderr so stdout stays parseable.
func withApp(ctx context.Context, opts appOptions, fn func(a *app) error) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if appHook != nil {
		appHook(&opts)
	}
	a, err := newApp(ctx, cfg, newLogger(cfg, os.Stderr), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
