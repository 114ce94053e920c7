// Command collabd serves real-time collaborative editing sessions over
// HTTP and websockets, relaying document events through Redis.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/collabcore/pkg/api"
	"github.com/developer-mesh/collabcore/pkg/auth"
	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/collaboration"
	"github.com/developer-mesh/collabcore/pkg/config"
	"github.com/developer-mesh/collabcore/pkg/observability"
	"github.com/developer-mesh/collabcore/pkg/redis"
	"github.com/developer-mesh/collabcore/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := observability.NewStandardLogger("collabd").(*observability.StandardLogger).
		WithLevel(observability.ParseLogLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := watchConfig(config.FilePath(), cfg, logger)
	if err != nil {
		logger.Warn("Configuration hot reload disabled", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		defer watcher.Stop()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("collabd stopped with an error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.Info("collabd stopped", nil)
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer shutdownTracing()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics observability.MetricsClient = observability.NewNoOpMetricsClient()
	if cfg.Metrics.Enabled {
		metrics = observability.NewPrometheusMetricsClient(promRegistry, cfg.Metrics.Namespace, "", nil)
	}
	defer metrics.Close()

	service := collaboration.ServiceConfig{
		Logger:  logger,
		Metrics: metrics,
	}
	if cfg.Tracing.Enabled {
		service.Tracer = observability.StartSpan
	}

	redisConfig := redis.DefaultConfig()
	redisConfig.Addresses = []string{cfg.Redis.Address}
	redisConfig.Password = cfg.Redis.Password
	redisConfig.DB = cfg.Redis.DB
	redisClient, err := redis.NewClient(redisConfig, logger.WithPrefix("redis"))
	if err != nil {
		return err
	}
	defer redisClient.Close()

	eventBus := bus.NewRedisBus(redisClient, logger.WithPrefix("bus"))
	defer eventBus.Close()

	opts := []collaboration.RegistryOption{
		collaboration.WithSnapshotStore(storage.NewRedisSnapshotStore(redisClient.GetClient(), cfg.Redis.SnapshotTTL)),
		collaboration.WithAccessGate(storage.NewRedisCheckoutGate(redisClient.GetClient(), cfg.Redis.CheckoutTTL, logger.WithPrefix("checkout"))),
	}

	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		db, err = storage.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if cfg.Database.Migrate {
			if err := storage.Migrate(ctx, db, cfg.Database.Timeout, logger.WithPrefix("migrate")); err != nil {
				return err
			}
		}
		opts = append(opts, collaboration.WithMembershipStore(storage.NewSQLMembershipStore(db)))
	} else {
		logger.Warn("No database configured, membership is kept in memory only", nil)
	}

	registry := collaboration.NewRegistry(eventBus, cfg.Collaboration.RegistryConfig, service, opts...)
	defer registry.Close()

	validator := auth.NewValidator(auth.Config{
		Secret:     cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Expiration: cfg.Auth.JWTExpiration,
	})

	gatewayConfig := api.DefaultGatewayConfig()
	gatewayConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	server := api.NewServer(api.Config{
		ListenAddress: cfg.Server.ListenAddress,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		EnableMetrics: cfg.Metrics.Enabled,
		MetricsPath:   cfg.Metrics.Path,
		Gateway:       gatewayConfig,
	}, registry, eventBus, validator, promRegistry, service)

	server.AddHealthCheck("redis", func(ctx context.Context) error {
		return redisClient.GetClient().Ping(ctx).Err()
	})
	if db != nil {
		server.AddHealthCheck("database", db.PingContext)
	}

	g, gctx := errgroup.WithContext(ctx)

	scheduler, err := newCleanupScheduler(gctx, registry, cfg.Collaboration.CleanupSpec(), logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", nil)
		<-scheduler.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "http shutdown")
		}
		return nil
	})

	return g.Wait()
}

// watchConfig applies log level changes from the config file without a
// restart. Other settings are read once at startup.
func watchConfig(path string, cfg *config.Config, logger *observability.StandardLogger) (*config.Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	watcher, err := config.NewWatcher(path, cfg, logger.WithPrefix("config"))
	if err != nil {
		return nil, err
	}
	watcher.OnChange(func(oldConfig, newConfig *config.Config) error {
		if oldConfig.Logging.Level != newConfig.Logging.Level {
			logger.SetLevel(observability.ParseLogLevel(newConfig.Logging.Level))
			logger.Info("Log level changed", map[string]interface{}{
				"level": newConfig.Logging.Level,
			})
		}
		return nil
	})
	watcher.Start()
	return watcher, nil
}

// newCleanupScheduler runs an expiry sweep on every tick of spec. A sweep
// that overruns the next tick skips it.
func newCleanupScheduler(ctx context.Context, registry *collaboration.Registry, spec string, logger observability.Logger) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(spec, func() {
		runCleanup(ctx, registry, logger)
	}); err != nil {
		return nil, errors.Wrapf(err, "invalid cleanup schedule %q", spec)
	}

	logger.Info("Session cleanup scheduled", map[string]interface{}{
		"schedule": spec,
	})
	return scheduler, nil
}

// runCleanup expires stale participants once
func runCleanup(ctx context.Context, registry *collaboration.Registry, logger observability.Logger) {
	if ctx.Err() != nil {
		return
	}
	report, err := registry.CleanupExpired(ctx)
	if err != nil {
		logger.Warn("Session cleanup failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if report.Expired > 0 || report.Destroyed > 0 {
		logger.Info("Session cleanup", map[string]interface{}{
			"expired_participants": report.Expired,
			"destroyed_sessions":   report.Destroyed,
		})
	}
}
