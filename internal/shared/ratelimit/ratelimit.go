/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit provides a sliding-window rate limiter keyed by caller
// identity. The chat ingress uses it to cap how many commands a single user
// can push per minute.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures rate limiting.
type Config struct {
	// MaxPerWindow is the number of events allowed per key per window.
	MaxPerWindow int

	// Window is the sliding window length.
	Window time.Duration
}

// DefaultConfig matches the documented ingress default: 10 events / 60s.
func DefaultConfig() Config {
	return Config{
		MaxPerWindow: 10,
		Window:       time.Minute,
	}
}

// Decision represents whether an event is allowed and why not.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks event timestamps per key.
type Limiter struct {
	config Config

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultConfig().MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Limiter{
		config:  cfg,
		history: make(map[string][]time.Time),
	}
}

// Allow checks whether one more event for the key is permitted at the given
// time, recording it when allowed.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.pruneLocked(key, now)
	if len(events) >= l.config.MaxPerWindow {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("rate limit reached (%d events in %s)", len(events), l.config.Window),
		}
	}

	l.history[key] = append(events, now)
	return Decision{Allowed: true}
}

// Count returns how many events the key has inside the current window.
func (l *Limiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key, now))
}

func (l *Limiter) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.config.Window)
	events := l.history[key]
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		events = events[i:]
	}
	if len(events) == 0 {
		delete(l.history, key)
		return nil
	}
	l.history[key] = events
	return events
}
