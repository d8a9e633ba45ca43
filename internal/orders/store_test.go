package orders

import (
	"errors"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func seedTicket(t *testing.T, s *Store) *Ticket {
	t.Helper()
	tk, err := s.Create(NewTicket{Symbol: "AAPL", Side: "BUY", Qty: 10, Type: "LIMIT"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func TestCreateAssignsToken(t *testing.T) {
	s := openTestStore(t)
	tk := seedTicket(t, s)

	if len(tk.Token) < 6 || len(tk.Token) > 10 {
		t.Fatalf("token length = %d", len(tk.Token))
	}
	for _, r := range tk.Token {
		if !strings.ContainsRune(tokenAlphabet, r) {
			t.Fatalf("token %q uses %q outside the alphabet", tk.Token, r)
		}
	}
	if tk.State != StatePending {
		t.Fatalf("state = %s", tk.State)
	}
}

func TestResolveTokenCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	tk := seedTicket(t, s)

	got, err := s.ResolveToken(strings.ToLower(tk.Token))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != tk.ID {
		t.Fatal("resolved the wrong ticket")
	}

	if _, err := s.ResolveToken("NOPE99"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	s := openTestStore(t)

	t1 := seedTicket(t, s)
	if _, err := s.Transition(t1.ID, StateConfirmedChat, "", "chat", "chat:42"); err != nil {
		t.Fatalf("pending -> confirmed_chat: %v", err)
	}
	got, err := s.Transition(t1.ID, StateConfirmed, "", "cli", "cli:1")
	if err != nil {
		t.Fatalf("confirmed_chat -> confirmed: %v", err)
	}
	if got.LastActorBySource["chat"] != "chat:42" || got.LastActorBySource["cli"] != "cli:1" {
		t.Fatalf("last_actor_by_source = %v", got.LastActorBySource)
	}
	if _, err := s.Transition(t1.ID, StateFilled, "", "supervisor", ""); err != nil {
		t.Fatalf("confirmed -> filled: %v", err)
	}

	// Terminal states reject everything.
	if _, err := s.Transition(t1.ID, StateCanceled, "", "cli", ""); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}

	// Skipping the table is rejected.
	t2 := seedTicket(t, s)
	if _, err := s.Transition(t2.ID, StateFilled, "", "cli", ""); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	s := openTestStore(t)

	t1 := seedTicket(t, s)
	t2 := seedTicket(t, s)
	t3 := seedTicket(t, s)
	t4 := seedTicket(t, s)
	if _, err := s.Transition(t2.ID, StateConfirmedChat, "", "chat", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := s.Transition(t3.ID, StateRejected, "", "cli", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := s.Transition(t4.ID, StateConfirmed, "", "cli", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	n, err := s.CancelPending("killswitch", "cli", "cli:1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Fatalf("canceled = %d", n)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		got, err := s.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != StateCanceled {
			t.Fatalf("ticket %s state = %s", got.Token, got.State)
		}
	}
	got, _ := s.Get(t3.ID)
	if got.State != StateRejected {
		t.Fatal("rejected ticket was touched by the kill-switch")
	}
	// Confirmed tickets stay with the venue; the sweep must not claw them back.
	got, _ = s.Get(t4.ID)
	if got.State != StateConfirmed {
		t.Fatalf("confirmed ticket state = %s", got.State)
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)
	seedTicket(t, s)
	tk := seedTicket(t, s)
	if _, err := s.Transition(tk.ID, StateCanceled, "", "cli", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	counts := s.Counts()
	if counts[StatePending] != 1 || counts[StateCanceled] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tk, err := s.Create(NewTicket{Symbol: "MSFT", Side: "SELL", Qty: 5, Type: "MARKET"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.ResolveToken(tk.Token)
	if err != nil {
		t.Fatalf("resolve after reload: %v", err)
	}
	if got.Symbol != "MSFT" || got.State != StatePending {
		t.Fatalf("reloaded ticket = %+v", got)
	}
}
