package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/session-service/internal/api/http"
	"github.com/spec-kit/session-service/internal/api/http/handlers"
	"github.com/spec-kit/session-service/internal/auth"
	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/config"
	"github.com/spec-kit/session-service/internal/diagnostics"
	"github.com/spec-kit/session-service/internal/events"
	"github.com/spec-kit/session-service/internal/observability"
	"github.com/spec-kit/session-service/internal/persistence"
	"github.com/spec-kit/session-service/internal/ratelimit"
	"github.com/spec-kit/session-service/internal/repository"
	"github.com/spec-kit/session-service/internal/service"
	"github.com/spec-kit/session-service/internal/statestore"
	"github.com/spec-kit/session-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App.IsProduction())
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	clk := clock.Real()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations && pg.Enabled() {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), persistence.DefaultMigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	var durable statestore.DurableBackend = statestore.NewMemoryBackend()
	if redis.Enabled() {
		durable = statestore.NewRedisBackend(redis.Client, logger)
	}

	dispatcher := events.NewInMemoryDispatcher(logger)
	store := statestore.New(statestore.Options{
		Namespace:      cfg.Store.Namespace,
		TTL:            cfg.Store.TTL,
		StaleAfter:     cfg.Store.StaleAfter,
		DebounceWindow: cfg.Store.DebounceWindow,
		Hooks: statestore.HookOptions{
			Visible: cfg.Store.HookVisible,
			Focus:   cfg.Store.HookFocus,
			Hidden:  cfg.Store.HookHidden,
		},
		Durable:     durable,
		Dispatcher:  dispatcher,
		Clock:       clk,
		Logger:      logger,
		OnOperation: metrics.StoreOperation,
	})

	var (
		accounts repository.AccountRepository = repository.NewMemoryAccountRepository()
		profiles repository.ProfileRepository = repository.NewMemoryProfileRepository()
	)
	if pool := pg.PoolHandle(); pool != nil {
		accounts = repository.NewAccountRepository(pool)
		profiles = repository.NewProfileRepository(pool)
	}

	// the provider session lives next to the state, so every instance shares it
	sessionStorage := auth.NewBackendSessionStorage(durable, cfg.Auth.SessionKey, clk)
	var provider auth.IdentityProvider
	switch cfg.Auth.Provider {
	case config.ProviderRemote:
		provider = auth.NewRemoteProvider(cfg.Auth.ProviderURL, cfg.Auth.ProviderAPIKey, sessionStorage, logger, auth.WithClock(clk))
	default:
		tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
		provider = auth.NewLocalProvider(accounts, tokens, sessionStorage, cfg.Auth.BcryptCost, logger)
	}

	limits := ratelimit.NewRegistry(map[string]ratelimit.Policy{
		ratelimit.OperationLogin:  policy(cfg.RateLimit.Login),
		ratelimit.OperationSignup: policy(cfg.RateLimit.Signup),
		ratelimit.OperationAPI:    policy(cfg.RateLimit.API),
		ratelimit.OperationUpload: policy(cfg.RateLimit.Upload),
	}, clk)

	classifier := diagnostics.NewClassifier(diagnostics.Options{
		Production: cfg.App.IsProduction(),
		Capacity:   cfg.Diagnostics.Capacity,
		RetryBase:  cfg.Diagnostics.RetryBase,
		RetryMax:   cfg.Diagnostics.RetryMax,
		Clock:      clk,
		Logger:     logger,
		OnCapture: func(record diagnostics.ClassifiedError) {
			metrics.ErrorCaptured(string(record.Kind))
		},
	})

	sessions := service.NewSessionManager(*cfg, service.SessionDependencies{
		Provider:   provider,
		Profiles:   profiles,
		Store:      store,
		Limits:     limits,
		Classifier: classifier,
		Metrics:    metrics,
		Clock:      clk,
		Logger:     logger,
	})
	defer sessions.Close()

	notifications := service.NewNotificationService(dispatcher, logger)
	worker.StartNotificationWorker(ctx, notifications)
	broadcastDone := worker.StartBroadcastWorker(ctx, store, logger)
	refresherDone := worker.StartTokenRefresher(ctx, sessions, cfg.Auth.RefreshInterval, logger)
	sweeperDone := worker.StartLimiterSweeper(ctx, limits, cfg.RateLimit.SweepInterval, logger)

	sessions.Initialize(ctx)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, classifier, cfg.App.RequestTimeout())

	routes := httptransport.RouteConfig{
		Health:     handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		Session:    handlers.NewSessionHandler(sessions, notifications, logger),
		State:      handlers.NewStateHandler(store),
		Lifecycle:  handlers.NewLifecycleHandler(store),
		Identities: sessions,
		APILimiter: limits.API(),
		Metrics:    metrics,
		Clock:      clk,
	}
	if !cfg.App.IsProduction() {
		routes.Diagnostics = handlers.NewDiagnosticsHandler(classifier)
	}
	httptransport.RegisterRoutes(app, routes)

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	store.Flush(context.Background())
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("fiber shutdown", zap.Error(err))
	}
	cancel()
	<-broadcastDone
	<-refresherDone
	<-sweeperDone
}

func policy(p config.RateLimitPolicy) ratelimit.Policy {
	return ratelimit.Policy{MaxRequests: p.MaxRequests, Window: p.Window}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
