package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/campaigner/internal/abtest"
	"github.com/foxzi/campaigner/internal/api"
	"github.com/foxzi/campaigner/internal/campaign"
	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/dispatch"
	"github.com/foxzi/campaigner/internal/dkim"
	"github.com/foxzi/campaigner/internal/dns"
	"github.com/foxzi/campaigner/internal/mailer"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/ratelimit"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/retry"
	"github.com/foxzi/campaigner/internal/schedule"
)

// App is the main application.
type App struct {
	config *config.Config
	logger *slog.Logger

	metaDB  *repository.DB
	storage *queue.BoltStorage
	limiter *ratelimit.Limiter

	orchestrator *campaign.Orchestrator
	dispatcher   *dispatch.Dispatcher
	evaluator    *abtest.Evaluator
	cleaner      *queue.Cleaner
	apiServer    *api.Server
	metricsSrv   *metrics.Server
}

// New creates a new application.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	metaDB, err := repository.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := metaDB.Migrate(); err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	campaigns := repository.NewCampaignRepository(metaDB.DB)
	recipients := repository.NewRecipientRepository(metaDB.DB)
	abtests := repository.NewABTestRepository(metaDB.DB)
	profiles := repository.NewProfileRepository(metaDB.DB)

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath, queue.Options{
		LeaseTTL:             cfg.Queue.LeaseTTL,
		DefaultMaxAttempts:   cfg.Retry.MaxAttempts,
		MaxConsecutiveLeases: cfg.Queue.MaxConsecutiveLeases,
	})
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	// The limiter persists bucket state in the queue's bolt file.
	limiter, err := ratelimit.NewLimiter(storage.DB(), &cfg.RateLimit, nil)
	if err != nil {
		storage.Close()
		metaDB.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	m := metrics.New()
	metrics.SetGlobal(m)

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			logger.With("component", "metrics"))
	}

	var sender mailer.Mailer
	switch cfg.Mailer.Mode {
	case "memory":
		sender = mailer.NewMemoryMailer()
		logger.Info("memory mailer enabled, nothing leaves the process")
	default:
		resolver := dns.NewResolver(5 * time.Minute)
		smtpMailer := mailer.NewSMTPMailer(resolver, cfg.Mailer.Relay, cfg.Server.Hostname,
			cfg.Mailer.Timeout, logger)
		if cfg.Mailer.DKIM.Enabled {
			signer, err := dkim.NewSignerFromFile(cfg.Mailer.DKIM.KeyFile,
				cfg.Mailer.DKIM.Domain, cfg.Mailer.DKIM.Selector)
			if err != nil {
				limiter.Stop()
				storage.Close()
				metaDB.Close()
				return nil, fmt.Errorf("failed to load DKIM signer: %w", err)
			}
			smtpMailer.SetDKIMSigner(signer)
			logger.Info("DKIM signing enabled",
				"domain", cfg.Mailer.DKIM.Domain, "selector", cfg.Mailer.DKIM.Selector)
		}
		sender = smtpMailer
	}

	policy := retry.NewPolicy(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.MaxAttempts)
	policy.RateLimitedFactor = cfg.Retry.RateLimitedFactor

	allocator := abtest.NewAllocator(abtests)
	scheduler := schedule.New(recipients, profiles, allocator, storage, nil, logger,
		cfg.Scheduler.Lookahead)

	orchestrator := campaign.NewOrchestrator(campaigns, abtests, scheduler, storage,
		limiter, nil, logger, 0)

	dispatcher := dispatch.New(storage, limiter, policy, sender,
		campaigns, recipients, abtests, profiles, nil, logger, cfg.Dispatch)

	evaluator := abtest.NewEvaluator(abtests, cfg.ABTest.EvaluateInterval,
		orchestrator.DeclareWinner, logger)

	cleaner := queue.NewCleaner(storage, queue.CleanerConfig{
		MaxAge:   cfg.Queue.RetentionMaxAge,
		Interval: cfg.Queue.CleanupInterval,
	}, logger)

	apiServer := api.NewServer(&cfg.API, orchestrator, evaluator,
		campaigns, recipients, abtests, storage, logger.With("component", "api"))

	return &App{
		config:       cfg,
		logger:       logger,
		metaDB:       metaDB,
		storage:      storage,
		limiter:      limiter,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		evaluator:    evaluator,
		cleaner:      cleaner,
		apiServer:    apiServer,
		metricsSrv:   metricsSrv,
	}, nil
}

// Run starts all components and waits for shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting campaigner",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"queue_path", a.config.Storage.QueuePath,
		"database_path", a.config.Storage.DatabasePath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.dispatcher.Start(ctx)
	a.orchestrator.Start(ctx)
	a.evaluator.Start(ctx)
	a.cleaner.Start(ctx)

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop work producers and workers first, then the read-side servers,
	// then storage.
	a.evaluator.Stop()
	a.orchestrator.Stop()
	a.dispatcher.Stop()
	a.cleaner.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.limiter.Stop()

	if err := a.storage.Close(); err != nil {
		a.logger.Error("queue close error", "error", err)
	}
	if err := a.metaDB.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
