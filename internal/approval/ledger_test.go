package approval

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/policy"
)

func openTestStore(t *testing.T) *bus.Store {
	t.Helper()
	s, err := bus.Open(filepath.Join(t.TempDir(), "ctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeCmd(name, source, actor string) *bus.Command {
	return &bus.Command{
		CmdID:     "cmd-" + source + "-" + actor,
		Cmd:       name,
		Source:    source,
		ActorID:   actor,
		CreatedAt: time.Now().UTC().Unix(),
	}
}

func lastEvent(t *testing.T, s *bus.Store, message string) *bus.Event {
	t.Helper()
	events, err := s.TailEvents(200, 0)
	if err != nil {
		t.Fatalf("tail events: %v", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Message == message {
			return &events[i]
		}
	}
	return nil
}

func TestOfferCreatesPending(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, false)
	pol := policy.Classify("orders.confirm")

	out, err := l.Offer(makeCmd("orders.confirm", "cli", "cli:1"), "ABC123", pol, time.Now())
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Decision != DecisionPending {
		t.Fatalf("decision = %s", out.Decision)
	}
	if len(out.Sources) != 1 || out.Sources[0] != "cli" {
		t.Fatalf("sources = %v", out.Sources)
	}

	if ev := lastEvent(t, s, "approval.pending"); ev == nil {
		t.Fatal("missing approval.pending event")
	}
	if ev := lastEvent(t, s, "orders.confirm.pending"); ev == nil {
		t.Fatal("missing orders.confirm.pending event")
	} else if ev.Fields["token"] != "ABC123" {
		t.Fatalf("token = %v", ev.Fields["token"])
	}
}

func TestDistinctSourcesFulfill(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, false)
	pol := policy.Classify("orders.confirm")
	now := time.Now()

	if out, _ := l.Offer(makeCmd("orders.confirm", "cli", "cli:1"), "ABC123", pol, now); out.Decision != DecisionPending {
		t.Fatalf("first offer decision = %s", out.Decision)
	}
	out, err := l.Offer(makeCmd("orders.confirm", "chat", "chat:42"), "ABC123", pol, now)
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if out.Decision != DecisionFulfilled {
		t.Fatalf("decision = %s", out.Decision)
	}
	if len(out.Sources) != 2 {
		t.Fatalf("sources = %v", out.Sources)
	}

	if ev := lastEvent(t, s, "approval.fulfilled"); ev == nil {
		t.Fatal("missing approval.fulfilled event")
	}

	// Terminal: the row is gone from the pending set.
	if _, err := s.GetApproval("orders.confirm", "ABC123"); err != bus.ErrNotFound {
		t.Fatalf("fulfilled approval still pending: %v", err)
	}
}

func TestDuplicateSourceRejected(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, true)
	pol := policy.Classify("orders.confirm")
	now := time.Now()

	_, _ = l.Offer(makeCmd("orders.confirm", "cli", "cli:1"), "ABC123", pol, now)
	out, err := l.Offer(makeCmd("orders.confirm", "cli", "cli:2"), "ABC123", pol, now)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Decision != DecisionDuplicateSource {
		t.Fatalf("decision = %s", out.Decision)
	}
	if ev := lastEvent(t, s, "approval.duplicate_source"); ev == nil {
		t.Fatal("missing approval.duplicate_source event")
	}

	// Still one source; a distinct one can still fulfill.
	row, err := s.GetApproval("orders.confirm", "ABC123")
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if len(row.Sources) != 1 {
		t.Fatalf("sources = %v", row.Sources)
	}
}

func TestStrictModeRequiresDistinctActors(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, true)
	pol := policy.Classify("orders.confirm")
	now := time.Now()

	_, _ = l.Offer(makeCmd("orders.confirm", "cli", "ops:1"), "ABC123", pol, now)
	out, err := l.Offer(makeCmd("orders.confirm", "chat", "ops:1"), "ABC123", pol, now)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Decision != DecisionDuplicateSource {
		t.Fatalf("same actor through another channel fulfilled, decision = %s", out.Decision)
	}
}

func TestRelaxedModeIgnoresActors(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, false)
	pol := policy.Classify("orders.confirm")
	now := time.Now()

	_, _ = l.Offer(makeCmd("orders.confirm", "cli", "ops:1"), "ABC123", pol, now)
	out, err := l.Offer(makeCmd("orders.confirm", "chat", "ops:1"), "ABC123", pol, now)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Decision != DecisionFulfilled {
		t.Fatalf("decision = %s", out.Decision)
	}
}

func TestOfferAgainstExpiredApproval(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, false)
	pol := policy.Classify("orders.confirm")
	start := time.Now()

	_, _ = l.Offer(makeCmd("orders.confirm", "cli", "cli:1"), "ABC123", pol, start)

	late := start.Add(time.Duration(pol.WindowSec+1) * time.Second)
	out, err := l.Offer(makeCmd("orders.confirm", "chat", "chat:42"), "ABC123", pol, late)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if out.Decision != DecisionExpired {
		t.Fatalf("decision = %s", out.Decision)
	}
	if ev := lastEvent(t, s, "approval.expired"); ev == nil {
		t.Fatal("missing approval.expired event")
	} else if ev.Fields["identity"] != "ABC123" {
		t.Fatalf("identity = %v", ev.Fields["identity"])
	}

	// The next offer starts a fresh approval window anchored at its own time.
	fresh := makeCmd("orders.confirm", "chat", "chat:42")
	fresh.CreatedAt = late.Unix()
	out, err = l.Offer(fresh, "ABC123", pol, late)
	if err != nil {
		t.Fatalf("fresh offer: %v", err)
	}
	if out.Decision != DecisionPending {
		t.Fatalf("fresh decision = %s", out.Decision)
	}

	// The fresh window accumulates from scratch: a distinct source fulfills.
	second := makeCmd("orders.confirm", "cli", "cli:1")
	second.CreatedAt = late.Unix()
	out, err = l.Offer(second, "ABC123", pol, late.Add(time.Second))
	if err != nil {
		t.Fatalf("third offer: %v", err)
	}
	if out.Decision != DecisionFulfilled {
		t.Fatalf("post-expiry decision = %s", out.Decision)
	}
}

func TestSweepBoundaries(t *testing.T) {
	s := openTestStore(t)
	l := NewLedger(s, false)
	pol := policy.Classify("orders.confirm")
	start := time.Now()

	_, _ = l.Offer(makeCmd("orders.confirm", "cli", "cli:1"), "ABC123", pol, start)

	// Inside the window nothing expires.
	expired, err := l.Sweep(start.Add(time.Duration(pol.WindowSec-1) * time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired inside window: %v", expired)
	}

	// Past the window the approval expires exactly once.
	expired, err = l.Sweep(start.Add(time.Duration(pol.WindowSec+1) * time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %d", len(expired))
	}
	if ev := lastEvent(t, s, "orders.confirm.expired"); ev == nil {
		t.Fatal("missing orders.confirm.expired event")
	}

	expired, err = l.Sweep(start.Add(time.Duration(pol.WindowSec+2) * time.Second))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(expired) != 0 {
		t.Fatal("approval expired twice")
	}
}
