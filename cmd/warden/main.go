package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/api"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/cachebus"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/jobs"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/permissions"
	"github.com/platinummonkey/warden/pkg/storage"
	"github.com/platinummonkey/warden/pkg/storage/memory"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
	"github.com/platinummonkey/warden/pkg/tenancy"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout)
	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Fatal("warden exited")
	}
}

// backend bundles the store with what health checks and shutdown need
type backend struct {
	store  storage.Store
	pinger observability.Pinger
	db     *sql.DB
}

func openBackend(ctx context.Context, cfg *config.Config, logger *logrus.Logger, migrate bool) (*backend, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		store := memory.New()
		return &backend{store: store, pinger: store}, nil
	}

	db, err := postgres.Open(cfg.PostgresConnection())
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}
	store := postgres.NewStore(db, cfg.Storage.StoreTimeout)
	return &backend{store: store, pinger: store, db: db}, nil
}

func run(cfg *config.Config, logger *logrus.Logger, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger, cfg.Storage.AutoMigrate || migrateOnly)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if migrateOnly {
		if be.db != nil {
			return be.db.Close()
		}
		return nil
	}

	otelProviders, err := observability.InitOTel(ctx, cfg.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	var redisClient *redis.Client
	var bus cachebus.Bus
	var limiter middleware.Limiter
	limitCfg := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		WindowDuration:    cfg.RateLimit.Window,
	}
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(cfg.Redis())
		if err != nil {
			return err
		}
		bus = cachebus.NewRedisBus(redisClient,
			cachebus.WithChannel(cfg.Cache.Channel),
			cachebus.WithResyncPattern(permissions.AllPattern),
			cachebus.WithLogger(logger),
			cachebus.WithMetrics(metrics),
		)
		if cfg.RateLimit.Enabled {
			limiter = middleware.NewDistributedRateLimiter(redisClient, limitCfg, "")
		}
		logger.Info("cache invalidations and rate limits shared through Redis")
	} else {
		bus = cachebus.NewLocalBus(logger)
		if cfg.RateLimit.Enabled {
			local := middleware.NewLocalRateLimiter(limitCfg)
			go local.StartCleanup(ctx)
			limiter = local
		}
		logger.Warn("no Redis configured; cache invalidations stay in this process")
	}

	signer, err := auth.NewSigner([]byte(cfg.Auth.SigningSecret), cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	authService := auth.NewService(signer, be.store, be.store,
		auth.WithAccessTTL(cfg.Auth.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
		auth.WithStoreTimeout(cfg.Storage.StoreTimeout),
		auth.WithLogger(logger),
		auth.WithMetrics(metrics),
	)

	engineOpts := []permissions.Option{
		permissions.WithStoreTimeout(cfg.Storage.StoreTimeout),
		permissions.WithLogger(logger),
		permissions.WithMetrics(metrics),
	}
	if cfg.Cache.Enabled {
		engineOpts = append(engineOpts, permissions.WithCache(permissions.NewCache(permissions.CacheConfig{
			MaxAge:     cfg.Cache.MaxAge,
			LedgerSize: cfg.Cache.LedgerSize,
			LedgerTTL:  cfg.Cache.LedgerTTL,
		})))
	}
	engine := permissions.NewEngine(be.store, engineOpts...)
	unsubscribe, err := bus.Subscribe(ctx, engine.Invalidate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cache invalidations: %w", err)
	}

	manager := permissions.NewManager(be.store, bus,
		permissions.WithManagerLogger(logger),
		permissions.WithManagerMetrics(metrics),
	)
	resolver := tenancy.NewResolver(be.store,
		tenancy.WithTimeout(cfg.Storage.StoreTimeout),
		tenancy.WithLogger(logger),
		tenancy.WithMetrics(metrics),
	)

	apiServer := api.NewServer(api.Config{
		Auth:        authService,
		Permissions: engine,
		Manager:     manager,
		Tenants:     resolver,
		AuthLimiter: limiter,
		Cookie:      api.CookieConfig{Name: cfg.Auth.CookieName, Secure: cfg.Auth.CookieSecure},
		Retry:       middleware.DefaultRetryPolicy(),
		Logger:      logger,
		Metrics:     metrics,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(be.pinger, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add(jobs.RefreshPurgeJob(authService, cfg.Jobs.RefreshPurgeSchedule, cfg.Auth.RefreshRetention, logger)); err != nil {
		return err
	}
	if err := scheduler.Add(jobs.CacheSweepJob(engine, cfg.Jobs.CacheSweepSchedule, logger)); err != nil {
		return err
	}
	scheduler.Start()

	// Servers stop first, then everything they depend on
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.RegisterShutdownFunc(scheduler.Stop)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		unsubscribe()
		return bus.Close(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders)
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{httpServer, healthServer} {
		srv := srv
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		err := shutdown.Shutdown()
		if redisClient != nil {
			err = errors.Join(err, redisClient.Close())
		}
		if be.db != nil {
			err = errors.Join(err, be.db.Close())
		}
		return err
	})

	return g.Wait()
}
