// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the chatus-edge server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatus/config"
	"chatus/internal/cache"
	"chatus/internal/clients"
	"chatus/internal/core"
	"chatus/internal/fetch"
	"chatus/internal/httpclient"
	"chatus/internal/mqttpush"
	"chatus/internal/notify"
	"chatus/internal/observability"
	"chatus/internal/push"
	"chatus/internal/router"
	"chatus/internal/server"
	"chatus/internal/storage"
	"chatus/internal/strategy"
	"chatus/internal/tasks"
	"chatus/internal/worker"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config   *config.Config
	registry *prometheus.Registry
	cache    *cache.Result
	queue    *tasks.Queue
	hub      *clients.Hub
	ctrl     *worker.Controller
	mqtt     *mqttpush.Subscriber
	server   *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration.
	AppConfig *config.Config

	// HTTPClient reaches the origin. Defaults to httpclient.NewDefaultHTTPClient.
	HTTPClient *http.Client
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig

	origin, err := url.Parse(appCfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url: %w", err)
	}
	rules, err := router.Compile(appCfg.Router)
	if err != nil {
		return nil, fmt.Errorf("failed to compile router rules: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.NewDefaultHTTPClient()
	}
	fetchCfg := fetch.Config{
		OriginURL:    appCfg.Origin.URL,
		MaxBodyBytes: appCfg.Origin.MaxBodyBytes,
	}
	if appCfg.Origin.BreakerFailures > 0 {
		breaker := fetch.DefaultBreakerConfig()
		breaker.FailureThreshold = appCfg.Origin.BreakerFailures
		breaker.Cooldown = appCfg.Origin.BreakerCooldown
		fetchCfg.Breaker = &breaker
	}
	fetcher, err := fetch.New(client, fetchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	app := &App{
		config:   appCfg,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(app.registry)

	cacheResult, err := cache.New(ctx, cacheConfig(appCfg.Cache))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	app.cache = cacheResult

	names := cache.Names{Prefix: appCfg.Cache.Prefix, Version: appCfg.Cache.Version}
	identity := core.Identity{SessionCookies: appCfg.Cache.PartitionCookies}
	manager := cache.NewManager(cacheResult.Storage, names, metrics, cache.WithIdentity(identity))

	app.queue = tasks.NewQueue(tasks.Config{
		Workers:     appCfg.Tasks.Workers,
		QueueSize:   appCfg.Tasks.QueueSize,
		TaskTimeout: appCfg.Tasks.TaskTimeout,
	}, metrics)
	strategies := strategy.New(manager, fetcher, app.queue, metrics)

	app.hub = clients.NewHub(metrics,
		clients.WithIdentity(identity),
		clients.WithPongWait(appCfg.Server.WebsocketPongWait),
		clients.WithSubscriptionTTL(appCfg.Push.SubscriptionTTL),
	)

	notifier := push.MultiNotifier{push.WindowNotifier{}}
	if len(appCfg.Push.ShoutrrrURLs) > 0 {
		relay, err := notify.NewRelay(appCfg.Push.ShoutrrrURLs)
		if err != nil {
			closeErr := app.closeAll()
			if closeErr != nil {
				return nil, fmt.Errorf("failed to create notification relay: %w (also: close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to create notification relay: %w", err)
		}
		notifier = append(notifier, relay)
	}
	bridge := push.NewBridge(notifier, app.hub, metrics)

	app.ctrl = worker.New(worker.Config{
		Manifest:    appCfg.Cache.Manifest,
		SkipWaiting: appCfg.Cache.SkipWaiting,
	}, worker.Deps{
		Cache:      manager,
		Fetcher:    fetcher,
		Strategies: strategies,
		Rules:      rules,
		Bridge:     bridge,
		Windows:    app.hub,
		Metrics:    metrics,
	})
	app.hub.SetHandler(app.ctrl.HandleWindowMessage)

	if appCfg.Push.MQTT.Broker != "" {
		sub, err := mqttpush.New(appCfg.Push.MQTT, func(ctx context.Context, subscription string, payload []byte) error {
			_, err := app.ctrl.HandlePush(ctx, subscription, payload)
			return err
		})
		if err != nil {
			closeErr := app.closeAll()
			if closeErr != nil {
				return nil, fmt.Errorf("failed to create mqtt subscriber: %w (also: close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to create mqtt subscriber: %w", err)
		}
		app.mqtt = sub
	}

	app.logStartupInfo()

	app.server = server.New(app.ctrl, &server.Config{
		AdminKey:        appCfg.Server.AdminKey,
		MetricsEnabled:  appCfg.Server.MetricsEnabled,
		MetricsEndpoint: appCfg.Server.MetricsEndpoint,
		MetricsGatherer: app.registry,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		Proxy:           server.NewOriginProxy(origin, client.Transport),
		Clients:         app.hub,
	})

	return app, nil
}

func cacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		Backend: c.Backend,
		Storage: storage.Config{
			SQLite: storage.SQLiteConfig{Path: c.SQLitePath},
			PostgreSQL: storage.PostgreSQLConfig{
				URL:              c.PostgresURL,
				MaxConns:         c.PostgresMaxConns,
				StatementTimeout: c.OpTimeout,
			},
			MongoDB: storage.MongoDBConfig{
				URL:      c.MongoURL,
				Database: c.MongoDatabase,
				Timeout:  c.OpTimeout,
			},
		},
		Redis: cache.RedisConfig{
			URL:       c.RedisURL,
			KeyPrefix: c.RedisKeyPrefix,
		},
	}
}

// Controller returns the offline cache controller.
func (a *App) Controller() *worker.Controller {
	return a.ctrl
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start runs the install lifecycle and background loops, then serves HTTP on addr.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	if err := a.startBackground(); err != nil {
		return err
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// startBackground installs the controller and starts periodic sync and the
// MQTT subscription. Requests arriving before activation pass through to the origin.
func (a *App) startBackground() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		report, err := a.ctrl.Install(ctx)
		if err != nil {
			slog.Error("install failed", "error", err)
			return
		}
		slog.Info("install complete", "cached", len(report.Cached), "failed", len(report.Failed), "state", a.ctrl.State().String())
	}()
	go func() {
		defer a.wg.Done()
		a.ctrl.RunPeriodicSync(ctx, a.config.Sync.PeriodicInterval)
	}()

	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			return fmt.Errorf("failed to start mqtt subscriber: %w", err)
		}
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. MQTT subscription close (no new push events).
// 3. Background loops stop.
// 4. Controller becomes redundant, client windows are disconnected.
// 5. Task queue drains pending background refreshes.
// 6. Cache storage close.
//
// Shutdown is idempotent and safe for repeated calls; after the first call, subsequent calls are no-ops.
// It attempts every close step, aggregates failures, and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// closeAll releases everything but the HTTP server. Nil components are skipped.
func (a *App) closeAll() error {
	var errs []error

	if a.mqtt != nil {
		if err := a.mqtt.Close(); err != nil {
			slog.Error("mqtt close error", "error", err)
			errs = append(errs, fmt.Errorf("mqtt close: %w", err))
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.ctrl != nil {
		if err := a.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("controller close: %w", err))
		}
	}

	if a.hub != nil {
		if err := a.hub.Close(); err != nil {
			slog.Error("client hub close error", "error", err)
			errs = append(errs, fmt.Errorf("clients close: %w", err))
		}
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			slog.Error("task queue close error", "error", err)
			errs = append(errs, fmt.Errorf("tasks close: %w", err))
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.AdminKey == "" {
		slog.Warn("CHATUS_ADMIN_KEY not set - push, sync and status endpoints are unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "admin_key")
	}

	if cfg.Server.MetricsEnabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("cache configured",
		"backend", cfg.Cache.Backend,
		"prefix", cfg.Cache.Prefix,
		"version", cfg.Cache.Version,
		"skip_waiting", cfg.Cache.SkipWaiting,
	)
	slog.Info("origin configured", "url", cfg.Origin.URL, "breaker_failures", cfg.Origin.BreakerFailures)

	if len(cfg.Push.ShoutrrrURLs) > 0 {
		redacted := make([]string, len(cfg.Push.ShoutrrrURLs))
		for i, u := range cfg.Push.ShoutrrrURLs {
			redacted[i] = notify.RedactURL(u)
		}
		slog.Info("notification relay enabled", "targets", redacted)
	}
	if cfg.Push.MQTT.Broker != "" {
		slog.Info("mqtt push source enabled", "broker", cfg.Push.MQTT.Broker, "topic", cfg.Push.MQTT.Topic)
	}
	if cfg.Sync.PeriodicInterval > 0 {
		slog.Info("periodic sync enabled", "interval", cfg.Sync.PeriodicInterval)
	}
}
