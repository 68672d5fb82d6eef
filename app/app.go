package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"

	"github.com/kasapahq/kasapa/internal/cache"
	"github.com/kasapahq/kasapa/internal/config"
	"github.com/kasapahq/kasapa/internal/db"
	"github.com/kasapahq/kasapa/internal/gateway"
	"github.com/kasapahq/kasapa/internal/handlers"
	"github.com/kasapahq/kasapa/internal/logging"
	"github.com/kasapahq/kasapa/internal/scheduler"
	"github.com/kasapahq/kasapa/internal/services"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Handlers      *handlers.Handlers

	sentryEnabled bool
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	sentryEnabled, err := initSentry(cfg)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg, sentryEnabled)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}

	orderStore := db.NewOrderStore(database)
	userStore := db.NewUserStore(database)
	deliveryStore := db.NewDeliveryStore(database)
	auditStore := db.NewAuditStore(database)

	zoneSeeder := services.NewZoneSeeder(deliveryStore, logger.With("component", "zone_seeder"))
	if err := zoneSeeder.SeedFromFile(startupCtx, cfg.DeliveryZonesFile); err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to seed delivery zones: %w", err)
	}

	gatewayClient := gateway.NewClient(cfg.PaystackSecretKey, cfg.PaystackBaseURL, logger.With("component", "gateway"))
	schedulerVerifier := scheduler.NewVerifier(cfg.QStashCurrentSigningKey, cfg.QStashNextSigningKey)

	deliveryService := services.NewDeliveryService(
		deliveryStore,
		cacheProvider,
		cfg.DefaultDoorFeeCents,
		logger.With("component", "delivery_service"),
	)
	verificationService := services.NewVerificationService(
		gatewayClient,
		orderStore,
		userStore,
		deliveryService,
		auditStore,
		logger.With("component", "verification_service"),
	)
	reaperService := services.NewReaperService(
		orderStore,
		time.Duration(cfg.ReservationWindowMinutes)*time.Minute,
		cfg.ReleaseBatchSize,
		logger.With("component", "reaper_service"),
	)

	h, err := handlers.New(handlers.Dependencies{
		Config:            cfg,
		DB:                database,
		CacheProvider:     cacheProvider,
		Verification:      verificationService,
		Reaper:            reaperService,
		SchedulerVerifier: schedulerVerifier,
		Logger:            logger,
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		DB:            database,
		CacheProvider: cacheProvider,
		Handlers:      h,
		sentryEnabled: sentryEnabled,
	}, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
}

func initSentry(cfg *config.Config) (bool, error) {
	if strings.TrimSpace(cfg.SentryDSN) == "" {
		return false, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		EnableLogs:       true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return true, nil
}

func newLogger(cfg *config.Config, sentryEnabled bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json":
		console = slog.NewJSONHandler(os.Stdout, opts)
	default:
		console = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}

	if !sentryEnabled {
		return slog.New(console)
	}

	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelInfo},
	}.NewSentryHandler(context.Background())

	return slog.New(logging.MultiHandler(console, sentryHandler))
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
