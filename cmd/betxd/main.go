// betxd — a peer-to-peer sports betting exchange daemon.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires services, waits for SIGINT/SIGTERM
//	engine/engine.go     — order placement and matching: price-time priority, one tx per order
//	settle/settle.go     — settlement: pays winners, writes down losers, cancels leftovers
//	market/lifecycle.go  — match/market state machines and the cancellation refund cascade
//	ledger/ledger.go     — wallet balances, exposure locks, and the append-only audit trail
//	exposure/tracker.go  — recomputes locked exposure from open orders and unsettled trades
//	feed/                — odds provider polling: reference prices in, final scores out
//	api/                 — HTTP + WebSocket surface with JWT auth
//	store/               — Postgres (sqlx/pgx) and in-memory implementations of one Store interface
//
// How money moves:
//
//	Placing an order locks its worst-case loss (the stake for a back, the
//	liability for a lay) against the wallet. Matched trades keep both
//	sides' locks until the market settles; settlement then credits winners
//	and writes down losers in a single transaction per market. The ledger
//	records every movement, so a wallet balance is always reproducible
//	from its entries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"betx/internal/api"
	"betx/internal/config"
	"betx/internal/engine"
	"betx/internal/exposure"
	"betx/internal/feed"
	"betx/internal/ledger"
	"betx/internal/market"
	"betx/internal/settle"
	"betx/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BETX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the store: Postgres when a URL is configured, in-memory
	// otherwise (dev only; state dies with the process).
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
		st = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	// Wire services. The hub receives events from every service and fans
	// them out to WebSocket clients.
	hub := api.NewHub(logger)
	eng := engine.New(st, hub, logger)
	settler := settle.New(st, hub, logger)
	markets := market.NewService(st, settler, hub, logger)
	ldg := ledger.NewService(st, hub, logger)
	tracker := exposure.NewTracker(st, logger)
	auth := api.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	handlers := api.NewHandlers(st, eng, settler, markets, ldg, tracker, auth, logger)
	server := api.NewServer(cfg.Server, handlers, hub, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			cancel()
		}
	}()

	// Provider pollers: reference odds in, settlements out.
	if cfg.Feed.Enabled {
		client := feed.NewClient(cfg.Feed.BaseURL, cfg.Feed.APIKey, logger)
		poller := feed.NewOddsPoller(client, st, markets, cfg.Feed.Sports, cfg.Feed.OddsInterval, logger)
		scanner := feed.NewSettlementScanner(client, st, markets, settler, cfg.Feed.Sports, cfg.Feed.ScoresInterval, logger)
		go poller.Run(ctx)
		go scanner.Run(ctx)
	}

	logger.Info("betx exchange started",
		"environment", cfg.Environment,
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"feed_enabled", cfg.Feed.Enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
