package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"xobattle/internal/arena"
	"xobattle/internal/battle"
	"xobattle/internal/config"
	"xobattle/internal/game"
	"xobattle/internal/logging"
	"xobattle/internal/metrics"
	"xobattle/internal/server"
	"xobattle/internal/settle"
	"xobattle/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xobattle: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()
	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var mirror *storage.RedisMirror
	if cfg.Redis.Addr != "" {
		mirror, err = storage.NewRedisMirror(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer mirror.Close()
		logger.Info("redis mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := game.NewDefaultRegistry()
	hub := server.NewHub(0, m)
	reporter := settle.NewReporter(store, hub, cfg.PayoutRatio, settle.WithLogger(logger.Named("settle")))

	matchOpts := []battle.Option{
		battle.WithTimeouts(battle.Timeouts{Turn: cfg.TurnTimeout, Idle: cfg.IdleTimeout}),
		battle.WithRounds(cfg.Rounds),
		battle.WithNotifier(hub),
		battle.WithPersister(store),
		battle.WithMetrics(m),
		battle.WithLogger(logger.Named("battle")),
	}
	arenaOpts := []arena.Option{
		arena.WithNotifier(hub),
		arena.WithStake(cfg.Stake),
		arena.WithQueueExpiry(cfg.QueueExpiry),
		arena.WithMetrics(m),
		arena.WithLogger(logger.Named("arena")),
	}
	if mirror != nil {
		matchOpts = append(matchOpts, battle.WithMirror(mirror))
		arenaOpts = append(arenaOpts, arena.WithQueueMirror(mirror))
	}

	matches := battle.NewManager(registry, reporter, matchOpts...)
	if err := matches.Restore(ctx); err != nil {
		logger.Warn("restore matches", zap.Error(err))
	}
	a := arena.New(matches, registry, store, arenaOpts...)

	if len(cfg.AdminTokens) == 0 {
		logger.Warn("no admin tokens configured; admin endpoints are disabled")
	}
	srv := server.New(a, matches, registry, store, hub,
		server.WithAdminTokens(cfg.AdminTokens),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		server.WithLogger(logger.Named("server")))

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		a.Close(shutdownCtx)
		return err
	})
	return g.Wait()
}
