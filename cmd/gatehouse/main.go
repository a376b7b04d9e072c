package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/gatehouse/pkg/access"
	"github.com/platinummonkey/gatehouse/pkg/accesscache"
	"github.com/platinummonkey/gatehouse/pkg/api"
	"github.com/platinummonkey/gatehouse/pkg/async"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/engine"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores"
	"github.com/platinummonkey/gatehouse/pkg/stores/postgres"
	"github.com/platinummonkey/gatehouse/pkg/webhooks"
)

var version = "dev"

// dataSources are the stores backing the engine
type dataSources struct {
	identity  stores.IdentityStore
	tiers     stores.TierStore
	usage     stores.UsageStore
	directory stores.Directory
	jobs      propagation.JobStore

	db     *sql.DB
	jobDB  *sql.DB
	closer func() error
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Gatehouse exited with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.WithFields(logrus.Fields{
		"version":   version,
		"storage":   cfg.Storage.Type,
		"job_store": cfg.Storage.JobStore,
	}).Info("Starting gatehouse")

	tp, err := observability.InitOTel(ctx, cfg.OTelSettings(), log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	src, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}

	catalog, err := access.NewCatalogLoader(cfg.Catalog.Path, log)
	if err != nil {
		return fmt.Errorf("failed to load feature catalog: %w", err)
	}

	var redisClient *redis.Client
	var bus accesscache.InvalidationBus
	if cfg.Storage.RedisURL != "" {
		opts, err := accesscache.RedisOptions(cfg.Storage.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		bus = accesscache.NewRedisBus(redisClient, cfg.Cache.InvalidationChannel, log)
	} else {
		log.Warn("No Redis configured, cache invalidations stay local to this instance")
	}

	auditLog, err := newAuditLogger(ctx, cfg, src.db, log)
	if err != nil {
		return err
	}

	var listeners []propagation.JobListener
	var hooks *async.Background
	if wc, ok := cfg.WebhookSettings(); ok {
		// one task covers every attempt of a delivery
		hooks = async.NewBackground(log, propagation.NewRetryPolicy(wc.Retry).Budget(wc.Timeout))
		listeners = append(listeners, webhooks.NewDispatcher(wc, hooks, log, metrics))
		log.WithField("endpoints", len(wc.Endpoints)).Info("Webhook notifications enabled")
	}

	settings := propagation.NewMemorySettings()
	eng := engine.New(engine.Deps{
		Identity:  src.identity,
		Tiers:     src.tiers,
		Usage:     src.usage,
		Directory: src.directory,
		Catalog:   catalog,
		Jobs:      src.jobs,
		Settings:  settings,
		Source:    settings,
		Bus:       bus,
		Audit:     auditLog,

		JobListeners: listeners,
	}, engine.Config{
		Cache:       cfg.CacheSettings(),
		Propagation: cfg.RunnerSettings(),
	}, log, metrics)

	catalog.OnReload(func(*access.Catalog) {
		log.Info("Feature catalog reloaded, purging cached access contexts")
		eng.PurgeCache()

		event := audit.NewEvent(ctx, audit.EventCatalogReloaded, audit.StatusSuccess)
		event.ResourceType = audit.ResourceCatalog
		event.ResourceID = cfg.Catalog.Path
		if err := auditLog.Log(ctx, event); err != nil {
			log.WithError(err).Error("Failed to record catalog reload")
		}
	})
	if cfg.Catalog.Watch && cfg.Catalog.Path != "" {
		go func() {
			defer observability.RecoverPanic(log, "catalog-watcher")
			if err := catalog.Watch(ctx); err != nil {
				log.WithError(err).Error("Catalog watcher stopped")
			}
		}()
	}

	if rb, ok := bus.(*accesscache.RedisBus); ok {
		go func() {
			defer observability.RecoverPanic(log, "invalidation-subscriber")
			if err := rb.Subscribe(ctx, eng.ApplyInvalidation, nil); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Invalidation subscriber stopped")
			}
		}()
	}

	background := async.NewBackground(log, 0)
	authn, err := newAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}

	apiMiddleware := []mux.MiddlewareFunc{
		observability.HTTPMetricsMiddleware(metrics),
		authn.Handler,
	}
	if cfg.Server.RateLimitPerMinute > 0 {
		limit := middleware.PerMinute(cfg.Server.RateLimitPerMinute)
		var limiter middleware.Limiter = middleware.NewMemoryLimiter(limit)
		if redisClient != nil {
			limiter = middleware.NewRedisLimiter(redisClient, limit, "")
		}
		apiMiddleware = append(apiMiddleware, middleware.NewRateLimitMiddleware(limiter, cfg.Server.RateLimitPerMinute, log).Handler)
	}
	if cfg.Server.MeterAPICalls {
		apiMiddleware = append(apiMiddleware, middleware.NewUsageMeter(eng, background, log).Handler)
	}

	server := api.NewServer(eng, log, apiMiddleware...)
	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(log),
		httputil.RecoveryMiddleware(log),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)(otelhttp.NewHandler(server, "gatehouse"))

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	health := observability.NewHealthChecker(version).
		Require("catalog", func(context.Context) error {
			if catalog.Catalog() == nil {
				return errors.New("no feature catalog loaded")
			}
			return nil
		})
	if src.db != nil {
		health.Require("database", src.db.PingContext)
	}
	if src.jobDB != nil {
		health.Require("job_store", src.jobDB.PingContext)
	}
	if redisClient != nil {
		// only carries cache invalidations and rate limits
		health.Optional("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	observability.RegisterHealthRoutes(healthRouter, health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthRouter, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthRouter,
	}

	shutdown := observability.NewShutdownManager(log, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("health-server", healthServer.Shutdown)
	shutdown.Register("usage-meter", background.Wait)
	shutdown.Register("engine", func(ctx context.Context) error {
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			return err
		}
		// finished jobs may still be notifying
		if hooks != nil {
			return hooks.Wait(ctx)
		}
		return nil
	})
	shutdown.Register("tracer", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, tp, log)
	})
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if src.closer != nil {
		shutdown.Register("database", func(context.Context) error { return src.closer() })
	}

	serveErr := make(chan error, 2)
	go serve(log, "health", healthServer, serveErr)
	go serve(log, "api", httpServer, serveErr)

	signalDone := make(chan error, 1)
	go func() { signalDone <- shutdown.WaitForSignal() }()

	select {
	case err := <-signalDone:
		return err
	case err := <-serveErr:
		if shutdownErr := shutdown.Shutdown(context.Background()); shutdownErr != nil {
			log.WithError(shutdownErr).Error("Shutdown after server failure did not complete cleanly")
		}
		return err
	}
}

func serve(log *logrus.Logger, name string, srv *http.Server, errs chan<- error) {
	log.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

// openStores builds the identity, tier and usage stores and the job store
func openStores(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*dataSources, error) {
	src := &dataSources{}
	var closers []func() error

	if cfg.Storage.Type == "postgres" || cfg.Storage.JobStore == "postgres" || cfg.Audit.Store == "postgres" {
		cm, err := postgres.NewConnectionManager(cfg.ConnectionSettings(), log)
		if err != nil {
			return nil, err
		}
		closers = append(closers, cm.Close)
		src.db = cm.Primary()

		if cfg.Storage.Type == "postgres" {
			store := postgres.NewStoreWithConnections(cm)
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
			src.identity, src.tiers, src.usage, src.directory = store, store, store, store
		}
		if cfg.Storage.JobStore == "postgres" {
			jobs, err := propagation.NewSQLJobStore(cm.Primary(), propagation.DialectPostgres)
			if err != nil {
				return nil, err
			}
			if err := jobs.Migrate(ctx); err != nil {
				return nil, err
			}
			src.jobs = jobs
		}
	}

	if cfg.Storage.Type == "memory" {
		log.Warn("Using in-memory identity and tier store; data is lost on restart")
		mem := stores.NewMemory()
		src.identity, src.tiers, src.usage, src.directory = mem, mem, mem, mem
	}

	switch cfg.Storage.JobStore {
	case "memory":
		src.jobs = propagation.NewMemoryJobStore()
	case "sqlite":
		db, err := sql.Open(string(propagation.DialectSQLite), cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite job store: %w", err)
		}
		closers = append(closers, db.Close)
		src.jobDB = db
		jobs, err := propagation.NewSQLJobStore(db, propagation.DialectSQLite)
		if err != nil {
			return nil, err
		}
		if err := jobs.Migrate(ctx); err != nil {
			return nil, err
		}
		src.jobs = jobs
	}

	src.closer = func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return src, nil
}

// newAuditLogger keeps events in the configured store and mirrors them to
// the application log
func newAuditLogger(ctx context.Context, cfg *config.Config, db *sql.DB, log *logrus.Logger) (audit.Logger, error) {
	var store audit.Logger
	switch cfg.Audit.Store {
	case "postgres":
		dbl, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, err
		}
		if err := dbl.Migrate(ctx); err != nil {
			return nil, err
		}
		store = dbl
	default:
		store = audit.NewMemoryLogger(cfg.Audit.MemorySize)
	}
	return audit.NewMultiLogger(store, audit.NewLogrusLogger(log)), nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*middleware.Authenticator, error) {
	var verifier middleware.TokenVerifier
	if cfg.Auth.OIDCIssuer != "" {
		v, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	if cfg.Auth.TrustedHeader != "" {
		log.WithField("header", cfg.Auth.TrustedHeader).Warn("Trusting user ids from a request header")
	}
	return middleware.NewAuthenticator(verifier, cfg.Auth.TrustedHeader, log), nil
}
