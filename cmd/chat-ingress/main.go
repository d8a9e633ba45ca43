// MarketLab chat ingress — bridges Telegram to the command bus.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/chatops"
	"github.com/marketlab/marketlab/internal/config"
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
	if !cfg.ChatEnabled {
		logger.Info("CHAT_ENABLED is off, nothing to do")
		return
	}

	allowlist, err := chatops.ParseAllowlist(cfg.ChatAllowlist)
	if err != nil {
		logger.Error("invalid CHAT_ALLOWLIST", zap.Error(err))
		os.Exit(2)
	}

	store, err := bus.OpenRetry(cfg.BusDBPath, 3)
	if err != nil {
		logger.Error("cannot open bus database", zap.String("path", cfg.BusDBPath), zap.Error(err))
		os.Exit(4)
	}
	defer func() { _ = store.Close() }()

	// The menu re-reads the ticket directory on demand so the view stays
	// fresh even though the worker owns all writes.
	listPending := func() ([]orders.Ticket, error) {
		book, err := orders.Open(cfg.OrdersDir)
		if err != nil {
			return nil, err
		}
		return book.List(orders.StatePending), nil
	}

	var controlChannel int64
	if cfg.ChatControlChannel != "" {
		controlChannel, err = strconv.ParseInt(cfg.ChatControlChannel, 10, 64)
		if err != nil {
			logger.Error("invalid CHAT_CONTROL_CHANNEL", zap.Error(err))
			os.Exit(2)
		}
	}

	bot, err := chatops.NewBot(chatops.Config{
		BotToken:          cfg.ChatAPIToken,
		Allowlist:         allowlist,
		ControlChannel:    controlChannel,
		PIN:               cfg.ChatPIN,
		RateLimitPerMin:   cfg.ChatRateLimitPerMin,
		LongPollTimeout:   time.Duration(cfg.ChatLongPollSec) * time.Second,
		ApprovalWindowSec: cfg.ApprovalWindowSec,
	}, store, listPending, log)
	if err != nil {
		logger.Error("cannot build telegram bot", zap.Error(err))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := bot.CheckAuth(ctx); err != nil {
		logger.Error("telegram auth check failed", zap.Error(err))
		if errors.Is(err, chatops.ErrAuthFailed) {
			os.Exit(3)
		}
		os.Exit(4)
	}

	_ = store.SetState("chat.enabled", "1")
	defer func() { _ = store.SetState("chat.enabled", "0") }()

	if err := bot.Start(ctx); err != nil {
		logger.Error("ingress loop failed", zap.Error(err))
		os.Exit(4)
	}
	logger.Info("chat ingress stopped")
}
