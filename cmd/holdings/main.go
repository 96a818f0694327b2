package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efreitasn/holdings/internal/config"
	"github.com/efreitasn/holdings/internal/engine"
	"github.com/efreitasn/holdings/internal/handler"
	"github.com/efreitasn/holdings/internal/marketdata"
	"github.com/efreitasn/holdings/internal/metrics"
	"github.com/efreitasn/holdings/internal/service"
	"github.com/efreitasn/holdings/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores.
	var (
		holdings engine.HoldingsStore
		ledger   engine.LedgerStore
		pool     *pgxpool.Pool
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err = store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := store.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		holdings = store.NewPostgresHoldingsStore(pool)
		ledger = store.NewPostgresLedgerStore(pool)
	default:
		holdings = store.NewHoldingsStore()
		ledger = store.NewLedgerStore()
	}
	webhookStore := store.NewWebhookStore()

	reg := metrics.NewRegistry()

	// Engine.
	locks := engine.NewPositionSerializer()
	reconciler := engine.NewReconciler(holdings, ledger, locks, engine.Options{
		Mode:        engine.LedgerMode(cfg.LedgerMode),
		LockTimeout: cfg.LockTimeout,
		Observer:    reg,
	})
	if open, err := reconciler.Holdings(ctx); err != nil {
		logger.Error("failed to load holdings", slog.String("error", err.Error()))
		os.Exit(1)
	} else {
		reg.SetOpenPositions(len(open))
	}

	// Market data.
	var feed marketdata.PriceFeed
	switch cfg.PriceFeed {
	case config.FeedLive:
		feed = marketdata.NewLiveFeed(cfg.PriceFeedURL, marketdata.LiveOptions{}, logger)
	default:
		feed = marketdata.NewMockFeed(marketdata.DefaultMockQuotes()...)
	}

	// Services.
	webhookSvc := service.NewWebhookService(webhookStore, cfg.WebhookTimeout, reg, logger)
	orderSvc := service.NewOrderService(reconciler, webhookSvc, logger)
	portfolioSvc := service.NewPortfolioService(reconciler, feed)

	// Router.
	router := handler.NewRouter(handler.Dependencies{
		Orders:         orderSvc,
		Portfolio:      portfolioSvc,
		Webhooks:       webhookSvc,
		Metrics:        reg.Handler(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	// Background workers stop when ctx is cancelled.
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("price feed stopped", slog.String("error", err.Error()))
		}
	}()
	locks.StartSweeper(ctx, cfg.LockSweepInterval)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("store", cfg.StoreBackend),
			slog.String("price_feed", cfg.PriceFeed),
			slog.String("ledger_mode", cfg.LedgerMode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop accepting orders, then stop the feed and the
	// sweeper, drain webhook deliveries and close the pool.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	drained := make(chan struct{})
	go func() {
		webhookSvc.Wait()
		<-feedDone
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out waiting for background work")
	}

	if pool != nil {
		pool.Close()
	}

	logger.Info("server stopped")
}
