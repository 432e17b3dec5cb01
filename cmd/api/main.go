package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/billing"
	"dialer-platform/internal/bindings"
	"dialer-platform/internal/config"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/migration"
	"dialer-platform/internal/notify"
	"dialer-platform/internal/payments"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/pricing"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"
	"dialer-platform/internal/storage"
	"dialer-platform/internal/telephony"
	"dialer-platform/pkg/logger"
	"dialer-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		if err := storage.Migrate(rootCtx, db, log); err != nil {
			log.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	clients := telephony.NewHTTPFactory(cfg.Provider)

	// Capacity pool.
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(cfg.Notify.WebhookURL)}
	}
	probe := telephony.Prober(clients, cfg.Pool.HealthCheckTimeout)
	poolMgr := pool.NewManager(pool.NewPostgresStore(db), pool.ProberFunc(func(ctx context.Context, c pool.Credential) error {
		return probe(ctx, c.Provider, c.APIKey)
	}), pool.Options{
		Notifier:          notify.NewAsync(notifier, log),
		Debouncer:         pool.NewRedisDebouncer(rdb, "dialer:pool:"),
		AlertWindow:       cfg.Pool.AlertDebounce,
		HealthTimeout:     cfg.Pool.HealthCheckTimeout,
		HealthConcurrency: cfg.Pool.HealthConcurrency,
		Logger:            log,
	})
	if cfg.Pool.SeedFile != "" {
		seeds, err := config.LoadCredentialSeeds(cfg.Pool.SeedFile)
		if err != nil {
			log.Error("pool seed file invalid", "path", cfg.Pool.SeedFile, "err", err)
			os.Exit(1)
		}
		if err := poolMgr.Seed(rootCtx, seeds); err != nil {
			log.Error("pool seed failed", "err", err)
			os.Exit(1)
		}
	}

	// Migration engine and retry queue.
	bindingStore := bindings.NewPostgresStore(db)
	engine := migration.NewEngine(poolMgr, bindingStore, clients, migration.NewPostgresJournal(db), migration.EngineOptions{
		WebhookURL:      cfg.Provider.WebhookURL,
		WebhookSecret:   cfg.Provider.WebhookSecret,
		ProviderTimeout: cfg.Provider.Timeout,
		Logger:          log,
	})
	if n, err := engine.ResumeInterrupted(rootCtx, 5*time.Minute); err != nil {
		log.Error("resume interrupted migrations failed", "err", err)
	} else if n > 0 {
		log.Info("resumed interrupted migrations", "count", n)
	}

	scheduler := retry.NewScheduler(retry.NewPostgresStore(db), poolMgr, bindingStore, engine, retry.Options{
		Interval:      cfg.Retry.Interval,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxRetryCount: cfg.Retry.MaxRetryCount,
		BatchSize:     cfg.Retry.BatchSize,
		Redis:         rdb,
		Logger:        log,
	})

	// Credits.
	ledgerStore := ledger.NewPostgresStore(db)
	credits := ledger.NewService(ledgerStore, log)
	settler := billing.NewSettler(pricing.NewService(pricing.NewPostgresRepo(db)), credits, poolMgr, log)

	confirmers := map[string]payments.Confirmer{}
	if cfg.Payments.RazorpayKeyID != "" && cfg.Payments.RazorpayKeySecret != "" {
		confirmers[payments.GatewayRazorpay] = payments.NewRazorpayConfirmer(cfg.Payments.RazorpayKeyID, cfg.Payments.RazorpayKeySecret)
	}
	paymentsSvc := payments.NewService(credits, payments.Options{
		WebhookSecret: cfg.Payments.WebhookSecret,
		Confirmers:    confirmers,
		Logger:        log,
	})

	h := httpapi.Handlers{
		Auth:      authManager,
		Pool:      poolMgr,
		Bindings:  bindingStore,
		Migration: engine,
		Retry:     scheduler,
		Ledger:    credits,
		Billing:   settler,
		Payments:  paymentsSvc,
		Audit:     audit.NewService(audit.NewPostgresRepo(db), log),
		Reports:   reporting.NewService(ledgerStore),
		DevLogin:  cfg.App.Env == "local" || cfg.App.Env == "dev",

		CallbackSecret: cfg.Provider.WebhookSecret,
	}

	bgCtx, cancelBg := context.WithCancel(rootCtx)
	defer cancelBg()
	poolMgr.StartHealthChecks(bgCtx, cfg.Pool.HealthCheckInterval)
	if cfg.Retry.Enabled {
		scheduler.Start(bgCtx)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           newRouter(log, h, auth.RequireAccessToken(authManager)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	scheduler.Stop()
	cancelBg()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
