/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_UnderLimit(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	d := l.Allow("chat:42", time.Now())
	if !d.Allowed {
		t.Fatalf("expected allowed, got: %s", d.Reason)
	}
}

func TestAllow_BlocksAtLimit(t *testing.T) {
	l := NewLimiter(Config{MaxPerWindow: 3, Window: time.Minute})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if d := l.Allow("chat:42", now.Add(time.Duration(i)*time.Second)); !d.Allowed {
			t.Fatalf("event %d blocked: %s", i, d.Reason)
		}
	}
	if d := l.Allow("chat:42", now.Add(4*time.Second)); d.Allowed {
		t.Fatal("expected blocked over limit")
	}

	// Other keys are unaffected.
	if d := l.Allow("chat:7", now.Add(4*time.Second)); !d.Allowed {
		t.Fatalf("different key blocked: %s", d.Reason)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l := NewLimiter(Config{MaxPerWindow: 2, Window: time.Minute})
	now := time.Now()

	l.Allow("chat:42", now)
	l.Allow("chat:42", now.Add(time.Second))
	if d := l.Allow("chat:42", now.Add(2*time.Second)); d.Allowed {
		t.Fatal("expected blocked inside window")
	}

	// Once the first events age out, capacity returns.
	if d := l.Allow("chat:42", now.Add(62*time.Second)); !d.Allowed {
		t.Fatalf("expected allowed after window slid: %s", d.Reason)
	}
}

func TestCount(t *testing.T) {
	l := NewLimiter(Config{MaxPerWindow: 10, Window: time.Minute})
	now := time.Now()

	l.Allow("chat:42", now)
	l.Allow("chat:42", now.Add(time.Second))
	if got := l.Count("chat:42", now.Add(2*time.Second)); got != 2 {
		t.Fatalf("count = %d", got)
	}
	if got := l.Count("chat:42", now.Add(2*time.Minute)); got != 0 {
		t.Fatalf("count after window = %d", got)
	}
}
