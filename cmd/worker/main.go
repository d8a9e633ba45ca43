// MarketLab worker — the single consumer of the command bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/config"
	"github.com/marketlab/marketlab/internal/orders"
	"github.com/marketlab/marketlab/internal/telemetry"
	"github.com/marketlab/marketlab/internal/worker"
)

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := zapr.NewLogger(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "marketlab-worker", version)
	if err != nil {
		logger.Error("tracing init failed", zap.Error(err))
		os.Exit(4)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	store, err := bus.OpenRetry(cfg.BusDBPath, 3)
	if err != nil {
		logger.Error("cannot open bus database", zap.String("path", cfg.BusDBPath), zap.Error(err))
		os.Exit(4)
	}
	defer func() { _ = store.Close() }()

	book, err := orders.Open(cfg.OrdersDir)
	if err != nil {
		logger.Error("cannot open orders store", zap.String("dir", cfg.OrdersDir), zap.Error(err))
		os.Exit(4)
	}

	w := worker.New(store, book, worker.Config{
		TwoManRule:        true,
		StrictActors:      cfg.DualControlStrict,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerWindow:     time.Duration(cfg.BreakerWindowSec) * time.Second,
		ApprovalWindowSec: cfg.ApprovalWindowSec,
	}, log)

	logger.Info("worker starting",
		zap.String("db", cfg.BusDBPath),
		zap.String("version", version),
		zap.Bool("strict_dual_control", cfg.DualControlStrict),
	)

	if err := w.Run(ctx, 250*time.Millisecond); err != nil && ctx.Err() == nil {
		logger.Error("worker loop failed", zap.Error(err))
		os.Exit(4)
	}
	logger.Info("worker stopped")
}
