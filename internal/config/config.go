// Package config loads control-plane configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds settings shared by the worker, the chat ingress, the
// dashboard, and the CLI. All values come from the environment; unset keys
// fall back to the defaults below.
type Config struct {
	// BusDBPath is the path of the SQLite bus database (BUS_DB_PATH).
	BusDBPath string `json:"bus_db_path"`
	// OrdersDir is the directory holding the order ticket index and the
	// append-only order event log (ORDERS_DIR).
	OrdersDir string `json:"orders_dir"`

	ApprovalWindowSec int `json:"approval_window_sec"`
	BreakerThreshold  int `json:"breaker_threshold"`
	BreakerWindowSec  int `json:"breaker_window_sec"`

	// DualControlStrict requires distinct actors in addition to distinct
	// sources for HIGH-risk approvals (DUAL_CONTROL_STRICT=1).
	DualControlStrict bool `json:"dual_control_strict"`

	ChatEnabled         bool     `json:"chat_enabled"`
	ChatAPIToken        string   `json:"-"`
	ChatControlChannel  string   `json:"chat_control_channel"`
	ChatAllowlist       []string `json:"chat_allowlist"`
	ChatPIN             string   `json:"-"`
	ChatRateLimitPerMin int      `json:"chat_rate_limit_per_min"`
	ChatLongPollSec     int      `json:"chat_long_poll_sec"`

	// DashboardAddr is the listen address of the read-only HTTP projection
	// server (DASHBOARD_ADDR).
	DashboardAddr string `json:"dashboard_addr"`

	// OTLPEndpoint enables trace export when non-empty
	// (OTEL_EXPORTER_OTLP_ENDPOINT).
	OTLPEndpoint string `json:"otlp_endpoint"`
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		BusDBPath:           "runtime/ctl.db",
		OrdersDir:           "runtime/orders",
		ApprovalWindowSec:   90,
		BreakerThreshold:    5,
		BreakerWindowSec:    60,
		ChatRateLimitPerMin: 10,
		ChatLongPollSec:     25,
		DashboardAddr:       ":8787",
	}
}

// FromEnv builds a Config from the process environment on top of Default.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("BUS_DB_PATH"); v != "" {
		cfg.BusDBPath = v
	}
	if v := os.Getenv("ORDERS_DIR"); v != "" {
		cfg.OrdersDir = v
	}
	var err error
	if cfg.ApprovalWindowSec, err = intEnv("APPROVAL_WINDOW_SEC", cfg.ApprovalWindowSec); err != nil {
		return nil, err
	}
	if cfg.BreakerThreshold, err = intEnv("BREAKER_THRESHOLD", cfg.BreakerThreshold); err != nil {
		return nil, err
	}
	if cfg.BreakerWindowSec, err = intEnv("BREAKER_WINDOW_SEC", cfg.BreakerWindowSec); err != nil {
		return nil, err
	}
	if cfg.ChatRateLimitPerMin, err = intEnv("CHAT_RATE_LIMIT_PER_MIN", cfg.ChatRateLimitPerMin); err != nil {
		return nil, err
	}
	if cfg.ChatLongPollSec, err = intEnv("CHAT_LONG_POLL_SEC", cfg.ChatLongPollSec); err != nil {
		return nil, err
	}

	cfg.DualControlStrict = boolEnv("DUAL_CONTROL_STRICT")
	cfg.ChatEnabled = boolEnv("CHAT_ENABLED")
	cfg.ChatAPIToken = os.Getenv("CHAT_API_TOKEN")
	cfg.ChatControlChannel = os.Getenv("CHAT_CONTROL_CHANNEL")
	cfg.ChatPIN = os.Getenv("CHAT_PIN")
	if v := os.Getenv("CHAT_ALLOWLIST"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.ChatAllowlist = append(cfg.ChatAllowlist, id)
			}
		}
	}
	if v := os.Getenv("DASHBOARD_ADDR"); v != "" {
		cfg.DashboardAddr = v
	}
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise fail deep inside a
// component. Chat credentials are only required when the ingress is enabled.
func (c *Config) Validate() error {
	if c.BusDBPath == "" {
		return fmt.Errorf("BUS_DB_PATH must not be empty")
	}
	if c.ApprovalWindowSec <= 0 {
		return fmt.Errorf("APPROVAL_WINDOW_SEC must be positive, got %d", c.ApprovalWindowSec)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive, got %d", c.BreakerThreshold)
	}
	if c.BreakerWindowSec <= 0 {
		return fmt.Errorf("BREAKER_WINDOW_SEC must be positive, got %d", c.BreakerWindowSec)
	}
	if c.ChatEnabled {
		if c.ChatAPIToken == "" {
			return fmt.Errorf("CHAT_ENABLED=1 requires CHAT_API_TOKEN")
		}
		if len(c.ChatAllowlist) == 0 {
			return fmt.Errorf("CHAT_ENABLED=1 requires a non-empty CHAT_ALLOWLIST")
		}
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
