package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hellmoyy/futurepilot-ledger/internal/admin"
	"github.com/hellmoyy/futurepilot-ledger/internal/alert"
	"github.com/hellmoyy/futurepilot-ledger/internal/commission"
	"github.com/hellmoyy/futurepilot-ledger/internal/config"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/ledger"
	"github.com/hellmoyy/futurepilot-ledger/internal/notify"
	"github.com/hellmoyy/futurepilot-ledger/internal/retryqueue"
	"github.com/hellmoyy/futurepilot-ledger/internal/scanner"
	"github.com/hellmoyy/futurepilot-ledger/internal/store/postgres"
	"github.com/hellmoyy/futurepilot-ledger/internal/store/redisguard"
	"github.com/hellmoyy/futurepilot-ledger/internal/tracing"
	"github.com/hellmoyy/futurepilot-ledger/internal/webhook"
)

const migrationsDir = "migrations"

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	channels := make([]alert.Alerter, 0, 3)
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if cfg.MailGatewayURL != "" {
		channels = append(channels, alert.NewMailAlerter(cfg.MailGatewayURL, cfg.MailRecipient))
	}
	if len(channels) == 0 {
		logger.Warn("no alert channels configured, operator alerts will be dropped")
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

func buildGuard(redisURL string, window time.Duration, logger *slog.Logger) (redisguard.Guard, error) {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("REDIS_URL not set, withdrawal duplicate guard is process-local")
		return redisguard.NewMemoryGuard(window), nil
	}
	guard, err := redisguard.NewRedisGuard(redisURL, window)
	if err != nil {
		return nil, fmt.Errorf("initialize redis withdrawal guard: %w", err)
	}
	return guard, nil
}

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting ledgerd",
		"network_id", cfg.Scanner.NetworkID,
		"scanner_enabled", cfg.Scanner.SourceURL != "",
		"scan_confirmations", cfg.Scanner.Confirmations,
		"retry_max_attempts", cfg.Retry.MaxAttempts,
		"deposit_min_amount", cfg.Deposit.MinAmount,
		"admin_port", cfg.Server.AdminPort,
		"health_port", cfg.Server.HealthPort,
	)

	shutdownTracing, err := tracing.Init(context.Background(), "futurepilot-ledger", cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	transactionRepo := postgres.NewTransactionRepo(db)
	balanceRepo := postgres.NewBalanceRepo(db)
	userRepo := postgres.NewUserRepo(db)
	retryRepo := postgres.NewRetryRepo(db)
	commissionRepo := postgres.NewCommissionRepo(db)
	cursorRepo := postgres.NewCursorRepo(db)

	guard, err := buildGuard(cfg.Redis.URL, cfg.Withdraw.GuardWindow, logger)
	if err != nil {
		logger.Error("failed to initialize withdrawal guard", "error", err)
		os.Exit(1)
	}

	alerter := buildAlerter(cfg.Alert, logger)

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.URL != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notify.URL, logger)
	}

	distributor := commission.NewDistributor(userRepo, commissionRepo, logger)
	writer := ledger.NewWriter(db, transactionRepo, balanceRepo, userRepo, distributor, notifier, ledger.WriterConfig{
		MinDepositAmount: cfg.Deposit.MinAmount,
		ProcessTimeout:   cfg.Deposit.ProcessTimeout,
	}, logger)

	replayDeposit := func(ctx context.Context, rec model.RetryRecord) error {
		var ev model.TransferEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return fmt.Errorf("decode retry payload: %w", err)
		}
		return writer.Process(ctx, ev)
	}
	queue := retryqueue.New(retryRepo, alerter, replayDeposit, retryqueue.Config{
		SweepInterval: cfg.Retry.SweepInterval,
		BatchSize:     cfg.Retry.BatchSize,
		MaxAttempts:   cfg.Retry.MaxAttempts,
	}, logger)

	withdrawals := ledger.NewWithdrawalService(db, transactionRepo, balanceRepo, guard, notifier, logger)

	serverOpts := []admin.ServerOption{admin.WithSweeper(withdrawals)}
	var chainScanner *scanner.Scanner
	if cfg.Scanner.SourceURL != "" {
		source := scanner.NewHTTPSource(cfg.Scanner.SourceURL, cfg.Scanner.SourceAPIKey, 0)
		chainScanner = scanner.New(source, writer, queue, cursorRepo, alerter, scanner.Config{
			NetworkID:     cfg.Scanner.NetworkID,
			Interval:      cfg.Scanner.Interval,
			Confirmations: cfg.Scanner.Confirmations,
			BatchBlocks:   cfg.Scanner.BatchBlocks,
			StartBlock:    cfg.Scanner.StartBlock,
		}, logger)
		serverOpts = append(serverOpts, admin.WithScanTrigger(chainScanner))
	} else {
		logger.Warn("CHAIN_SOURCE_URL not set, deposits come from webhooks only")
	}

	adminServer := admin.NewServer(transactionRepo, commissionRepo, queue, logger, serverOpts...)
	rateLimiter := admin.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	apiMux := http.NewServeMux()
	apiMux.Handle("/admin/", admin.AuditMiddleware(logger, rateLimiter.Wrap(adminServer.Handler())))
	webhook.NewHandler(writer, queue, cfg.Server.WebhookSecret, cfg.Server.DefaultNetworkID, logger).Register(apiMux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return runAPIServer(gCtx, cfg.Server.AdminPort, apiMux, logger)
	})

	g.Go(func() error {
		return queue.Run(gCtx)
	})

	if chainScanner != nil {
		g.Go(func() error {
			return chainScanner.Run(gCtx)
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("ledgerd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("ledgerd shut down gracefully")
}

func runAPIServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("api server shutdown error", "error", err)
		}
	}()

	logger.Info("api server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
