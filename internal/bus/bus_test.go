package bus

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ttlSec(n int64) *int64 { return &n }

func TestEnqueueAndNextNew(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.Enqueue(EnqueueRequest{Cmd: "state.pause", Source: "cli", ActorID: "cli:1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := s.Enqueue(EnqueueRequest{Cmd: "state.resume", Source: "cli"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id1 == id2 {
		t.Fatal("distinct commands got the same cmd_id")
	}

	cmd, err := s.NextNew(time.Now())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if cmd.CmdID != id1 {
		t.Fatalf("expected oldest command first, got %s", cmd.Cmd)
	}
	if cmd.Status != StatusNew {
		t.Fatalf("dequeued command should stay NEW, got %s", cmd.Status)
	}
	if cmd.ActorID != "cli:1" {
		t.Fatalf("actor_id = %q", cmd.ActorID)
	}
}

func TestNextNewEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.NextNew(time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDedupeKeyIdempotent(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.Enqueue(EnqueueRequest{Cmd: "orders.confirm", Args: map[string]any{"token": "ABC123"},
		Source: "chat", DedupeKey: "orders.confirm:ABC123"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := s.Enqueue(EnqueueRequest{Cmd: "orders.confirm", Args: map[string]any{"token": "ABC123"},
		Source: "chat", DedupeKey: "orders.confirm:ABC123"})
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("dedupe returned a new cmd_id: %s vs %s", id1, id2)
	}

	counts, err := s.CountByStatus()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StatusNew] != 1 {
		t.Fatalf("expected exactly one NEW row, got %d", counts[StatusNew])
	}

	// Once terminal, the key no longer collapses.
	if err := s.MarkDone(id1); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	id3, err := s.Enqueue(EnqueueRequest{Cmd: "orders.confirm", Source: "chat", DedupeKey: "orders.confirm:ABC123"})
	if err != nil {
		t.Fatalf("enqueue after done: %v", err)
	}
	if id3 == id1 {
		t.Fatal("terminal command should not satisfy dedupe")
	}
}

func TestRequestIDDedupe(t *testing.T) {
	s := openTestStore(t)

	req := StableRequestID("orders.confirm", map[string]any{"token": "ABC123"})
	if req != StableRequestID("orders.confirm", map[string]any{"token": "ABC123"}) {
		t.Fatal("stable request id is not stable")
	}

	id1, err := s.Enqueue(EnqueueRequest{Cmd: "orders.confirm", Source: "cli", RequestID: req})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := s.Enqueue(EnqueueRequest{Cmd: "orders.confirm", Source: "chat", RequestID: req})
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Fatal("request_id dedupe did not collapse")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Enqueue(EnqueueRequest{Cmd: "state.pause", Source: "cli", TTLSec: ttlSec(0)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Immediately expired: ttl_sec=0 lapses the moment the clock advances.
	if _, err := s.NextNew(time.Now().Add(2 * time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty queue after expiry, got %v", err)
	}

	cmd, err := s.GetCommand(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != StatusError {
		t.Fatalf("expired command status = %s", cmd.Status)
	}

	events, err := s.TailEvents(10, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 1 || events[0].Message != "command.ttl.expired" {
		t.Fatalf("expected a command.ttl.expired event, got %+v", events)
	}
	if events[0].Fields["reason"] != "ttl.expired" {
		t.Fatalf("reason = %v", events[0].Fields["reason"])
	}
}

func TestTTLNotYetExpired(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Enqueue(EnqueueRequest{Cmd: "state.pause", Source: "cli", TTLSec: ttlSec(3600)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	cmd, err := s.NextNew(time.Now())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if cmd.Cmd != "state.pause" {
		t.Fatalf("cmd = %s", cmd.Cmd)
	}
}

func TestMarkErrorEmitsEvent(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Enqueue(EnqueueRequest{Cmd: "mode.switch", Source: "cli"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkError(id, "args_invalid", 0); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	cmd, err := s.GetCommand(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != StatusError {
		t.Fatalf("status = %s", cmd.Status)
	}

	events, err := s.TailEvents(10, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	last := events[len(events)-1]
	if last.Message != "command.error" || last.Fields["reason"] != "args_invalid" {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestMarkErrorWithBackoffIncrementsRetry(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Enqueue(EnqueueRequest{Cmd: "mode.switch", Source: "cli"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkError(id, "storage.unavailable", 30*time.Second); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	cmd, err := s.GetCommand(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.RetryCount != 1 {
		t.Fatalf("retry_count = %d", cmd.RetryCount)
	}
	if cmd.Status != StatusError {
		t.Fatalf("backoff must not keep the command NEW, status = %s", cmd.Status)
	}
}

func TestEventOrdering(t *testing.T) {
	s := openTestStore(t)

	var prev int64
	for i := 0; i < 20; i++ {
		id, err := s.Emit(LevelInfo, "tick", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
		if id <= prev {
			t.Fatalf("event id %d not greater than previous %d", id, prev)
		}
		prev = id
	}

	events, err := s.TailEvents(5, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("tail length = %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatal("tail not in ascending id order")
		}
	}

	since, err := s.TailEvents(100, events[0].ID)
	if err != nil {
		t.Fatalf("tail since: %v", err)
	}
	if len(since) != 4 {
		t.Fatalf("since tail length = %d", len(since))
	}
}

func TestAppState(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetState(StateKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetState(StateKey, "RUN"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetState(StateKey, "PAUSED"); err != nil {
		t.Fatalf("set again: %v", err)
	}

	v, err := s.GetState(StateKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "PAUSED" {
		t.Fatalf("state = %s", v)
	}
}

func TestApprovalRows(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	row := &ApprovalRow{
		CmdName: "orders.confirm", Identity: "ABC123",
		Required: 2, WindowSec: 90,
		Sources: []string{"cli"}, Actors: []string{"cli:1"},
		CreatedAt: now.Unix(),
	}
	if err := s.PutApproval(row); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetApproval("orders.confirm", "ABC123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Sources) != 1 || got.Sources[0] != "cli" {
		t.Fatalf("sources = %v", got.Sources)
	}

	row.Sources = append(row.Sources, "chat")
	if err := s.PutApproval(row); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetApproval("orders.confirm", "ABC123")
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if len(got.Sources) != 2 {
		t.Fatalf("sources after update = %v", got.Sources)
	}

	if err := s.ResolveApproval("orders.confirm", "ABC123", true, now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.GetApproval("orders.confirm", "ABC123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolved approval still pending: %v", err)
	}

	pending, err := s.PendingApprovals()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d", len(pending))
	}
}

func TestApprovalExpiryWindow(t *testing.T) {
	now := time.Now().UTC()
	row := &ApprovalRow{CmdName: "orders.confirm", Identity: "X", Required: 2, WindowSec: 90, CreatedAt: now.Unix()}

	if row.ExpiredAt(now.Add(89 * time.Second)) {
		t.Fatal("expired inside the window")
	}
	if !row.ExpiredAt(now.Add(91 * time.Second)) {
		t.Fatal("not expired past the window")
	}
}

func TestOpenRetryGivesUpAfterAttempts(t *testing.T) {
	// A regular file where the bus directory should be makes every open fail.
	blocker := filepath.Join(t.TempDir(), "busdir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := OpenRetry(filepath.Join(blocker, "ctl.db"), 2)
	if err == nil {
		t.Fatal("expected open failure")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("error = %v", err)
	}
}

func TestOpenRetryRecoversAndRecordsOutage(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "busdir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	// Clear the obstruction while OpenRetry is backing off.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.Remove(blocker)
	}()

	s, err := OpenRetry(filepath.Join(blocker, "ctl.db"), 5)
	if err != nil {
		t.Fatalf("open retry: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	events, err := s.TailEvents(10, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(events) != 1 || events[0].Message != "storage.unavailable" {
		t.Fatalf("expected a storage.unavailable event, got %+v", events)
	}
	if events[0].Fields["recovered"] != true {
		t.Fatalf("fields = %v", events[0].Fields)
	}
}
