// Command swapdeskd runs the conditional exchange service: the HTTP API, the
// collaborator webhooks, the scheduled re-drivers and the nightly
// reconciliation.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"swapdesk/ai"
	"swapdesk/auth"
	"swapdesk/config"
	"swapdesk/guard"
	"swapdesk/jobs"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/logging"
	"swapdesk/payments"
	"swapdesk/recon"
	"swapdesk/repo"
	"swapdesk/saga"
	"swapdesk/scan"
	"swapdesk/server"
	"swapdesk/storage"
	"swapdesk/transition"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("swapdeskd", "boot", "").Error("loading configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("swapdeskd", cfg.Environment, cfg.LogFile)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		logger.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrating schema", "error", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:   cfg.SessionSecret,
		Issuer:   cfg.SessionIssuer,
		Audience: cfg.SessionAudience,
	})
	if err != nil {
		logger.Error("configuring session verifier", "error", err)
		os.Exit(1)
	}

	rooms := repo.NewRooms(db)
	containers := repo.NewContainers(db)
	artifacts := repo.NewArtifacts(db)
	paymentRows := repo.NewPayments(db)
	swaps := repo.NewSwaps(db, nil)
	journal := ledger.New(db, nil)

	store := storage.NewClient(storage.ClientConfig{
		BaseURL: cfg.StorageBaseURL,
		APIKey:  cfg.StorageAPIKey,
		Timeout: cfg.CollaboratorTTL,
	})
	provider := payments.NewClient(payments.ClientConfig{
		BaseURL:           cfg.ProviderBaseURL,
		KeyID:             cfg.ProviderKeyID,
		Secret:            cfg.ProviderSecret,
		Timeout:           cfg.CollaboratorTTL,
		RequestsPerMinute: cfg.WebhookRateLimit,
	})

	var scanner scan.Scanner
	if cfg.ScannerBaseURL != "" {
		scanner = scan.NewClient(cfg.ScannerBaseURL, cfg.ScannerSecret, cfg.CollaboratorTTL)
	}
	var analyzer ai.Analyzer
	if cfg.AnalysisBaseURL != "" {
		analyzer = ai.NewClient(cfg.AnalysisBaseURL, cfg.AnalysisSecret, cfg.CollaboratorTTL)
	}

	var sender notify.Sender = notify.Noop{}
	if cfg.NotifyBaseURL != "" {
		sender = notify.NewHTTPSender(cfg.NotifyBaseURL, cfg.CollaboratorTTL)
	}
	notifier := notify.NewDispatcher(notify.DispatcherConfig{
		Sender:      sender,
		Ledger:      journal,
		Logger:      logger,
		MaxAttempts: cfg.Policy.NotifyMaxAttempts,
	})

	transitions := transition.New(transition.Config{
		DB:         db,
		Rooms:      rooms,
		Containers: containers,
		Artifacts:  artifacts,
		Payments:   paymentRows,
		Ledger:     journal,
		Policy:     cfg.Policy,
		Store:      store,
		Provider:   provider,
		Scanner:    scanner,
		Analyzer:   analyzer,
		Notifier:   notifier,
		Logger:     logger,
	})
	guards := guard.NewEngine(journal, cfg.Policy, nil)
	cascade := saga.NewFailureCascade(transitions, containers, journal, notifier, logger)
	executor := saga.NewSwapExecutor(saga.SwapConfig{
		DB:         db,
		Rooms:      rooms,
		Containers: containers,
		Artifacts:  artifacts,
		Payments:   paymentRows,
		Swaps:      swaps,
		Ledger:     journal,
		Store:      store,
		Provider:   provider,
		Notifier:   notifier,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeps := &jobs.Sweeps{
		Rooms:       rooms,
		Artifacts:   artifacts,
		Swaps:       swaps,
		Transitions: transitions,
		Executor:    executor,
		Scanner:     scanner,
		Ledger:      journal,
		Notifier:    notifier,
		Policy:      cfg.Policy,
		Logger:      logger,
	}
	runner := jobs.NewRunner(logger, sweeps.All(cfg)...)
	runner.Start(ctx)

	reconciler, err := recon.New(recon.Config{
		DB:        db,
		OutputDir: cfg.ReconOutputDir,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("configuring reconciler", "error", err)
		os.Exit(1)
	}
	go recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		RunHour:    cfg.ReconRunHour,
		RunMinute:  cfg.ReconRunMinute,
		Logger:     logger,
	}).Start(ctx)

	srv := server.New(server.Config{
		DB:                   db,
		Verifier:             verifier,
		Guard:                guards,
		Transitions:          transitions,
		Cascade:              cascade,
		Rooms:                rooms,
		Containers:           containers,
		Artifacts:            artifacts,
		ProviderSecret:       cfg.ProviderSecret,
		ScannerSecret:        cfg.ScannerSecret,
		AnalysisSecret:       cfg.AnalysisSecret,
		WebhookRatePerMinute: cfg.WebhookRateLimit,
		Logger:               logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("swapdeskd listening", "port", cfg.Port, "env", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "error", err)
		os.Exit(1)
	}

	runner.Wait()
	notifier.Wait()
	logger.Info("swapdeskd stopped")
}
