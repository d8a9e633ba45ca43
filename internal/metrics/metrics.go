/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus instruments shared by the worker,
// the chat ingress, and the dashboard.
//
// All metrics register on the default registry and are served by the
// dashboard's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - marketlab_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommandsProcessed counts commands consumed by the worker, by command
	// name and terminal status.
	CommandsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlab_commands_processed_total",
			Help: "Total number of commands processed by command and status.",
		},
		[]string{"cmd", "status"},
	)

	// HandlerDuration is a histogram of handler wall time by command.
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketlab_handler_duration_seconds",
			Help:    "Command handler execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// BreakerState tracks the circuit breaker: 0=ok, 1=tripped, 2=killswitch.
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlab_breaker_state",
			Help: "Circuit breaker state (0=ok, 1=tripped, 2=killswitch).",
		},
	)

	// PendingApprovals tracks approvals awaiting a second source.
	PendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlab_approvals_pending",
			Help: "Approvals currently pending.",
		},
	)

	// OrdersByState tracks order tickets by lifecycle state.
	OrdersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketlab_orders",
			Help: "Order tickets by state.",
		},
		[]string{"state"},
	)

	// ChatUpdates counts ingress updates by outcome (command, denied,
	// rate_limited, ignored).
	ChatUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlab_chat_updates_total",
			Help: "Total number of chat updates handled by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsProcessed,
		HandlerDuration,
		BreakerState,
		PendingApprovals,
		OrdersByState,
		ChatUpdates,
	)
}

// RecordCommand counts one terminally processed command.
func RecordCommand(cmd, status string) {
	CommandsProcessed.WithLabelValues(cmd, status).Inc()
}

// ObserveHandler records one handler execution duration.
func ObserveHandler(cmd string, d time.Duration) {
	HandlerDuration.WithLabelValues(cmd).Observe(d.Seconds())
}

// SetBreakerState maps the breaker state string onto the gauge.
func SetBreakerState(state string) {
	v := 0.0
	switch state {
	case "tripped":
		v = 1
	case "killswitch":
		v = 2
	}
	BreakerState.Set(v)
}

// RecordChatUpdate counts one ingress update outcome.
func RecordChatUpdate(result string) {
	ChatUpdates.WithLabelValues(result).Inc()
}
