// MarketLab dashboard — read-only operator console over the bus projection.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/config"
	"github.com/marketlab/marketlab/internal/dashboard"
	"github.com/marketlab/marketlab/internal/orders"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := zapr.NewLogger(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(2)
	}

	var listenAddr string
	flag.StringVar(&listenAddr, "listen", cfg.DashboardAddr, "Dashboard listen address")
	flag.Parse()

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

	srv, err := dashboard.NewServer(store, book, dashboard.Config{ListenAddr: listenAddr}, log)
	if err != nil {
		logger.Error("cannot build dashboard server", zap.Error(err))
		os.Exit(4)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("dashboard starting", zap.String("addr", listenAddr))
	if err := srv.Start(ctx); err != nil {
		logger.Error("dashboard server error", zap.Error(err))
		os.Exit(4)
	}
}
