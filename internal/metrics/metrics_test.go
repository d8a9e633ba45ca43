/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	// Prometheus histogram implements prometheus.Metric via the observer
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordCommand(t *testing.T) {
	RecordCommand("state.pause", "DONE")
	RecordCommand("state.pause", "DONE")
	RecordCommand("state.pause", "ERROR")

	if val := getCounterValue(CommandsProcessed, "state.pause", "DONE"); val < 2 {
		t.Errorf("CommandsProcessed DONE = %f, want >= 2", val)
	}
	if val := getCounterValue(CommandsProcessed, "state.pause", "ERROR"); val < 1 {
		t.Errorf("CommandsProcessed ERROR = %f, want >= 1", val)
	}
}

func TestObserveHandler(t *testing.T) {
	ObserveHandler("orders.confirm", 42*time.Millisecond)

	if count := getHistogramCount(HandlerDuration, "orders.confirm"); count < 1 {
		t.Errorf("HandlerDuration sample count = %d, want >= 1", count)
	}
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("ok")
	if val := getGaugeValue(BreakerState); val != 0 {
		t.Errorf("BreakerState(ok) = %f, want 0", val)
	}

	SetBreakerState("tripped")
	if val := getGaugeValue(BreakerState); val != 1 {
		t.Errorf("BreakerState(tripped) = %f, want 1", val)
	}

	SetBreakerState("killswitch")
	if val := getGaugeValue(BreakerState); val != 2 {
		t.Errorf("BreakerState(killswitch) = %f, want 2", val)
	}
}

func TestRecordChatUpdate(t *testing.T) {
	RecordChatUpdate("command")
	RecordChatUpdate("denied")

	if val := getCounterValue(ChatUpdates, "command"); val < 1 {
		t.Errorf("ChatUpdates command = %f, want >= 1", val)
	}
	if val := getCounterValue(ChatUpdates, "denied"); val < 1 {
		t.Errorf("ChatUpdates denied = %f, want >= 1", val)
	}
}

func TestPendingApprovalsGauge(t *testing.T) {
	PendingApprovals.Set(0)

	PendingApprovals.Inc()
	PendingApprovals.Inc()
	if val := getGaugeValue(PendingApprovals); val != 2 {
		t.Errorf("PendingApprovals = %f, want 2", val)
	}
}
