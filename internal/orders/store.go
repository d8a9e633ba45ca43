// Package orders keeps the registry of order tickets: an in-memory index
// persisted to a JSON snapshot plus an append-only JSONL event log. Tickets
// are addressed by id internally and by a short human token at the edges.
package orders

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ticket states.
const (
	StatePending       = "PENDING"
	StateConfirmedChat = "CONFIRMED_CHAT"
	StateConfirmed     = "CONFIRMED"
	StateRejected      = "REJECTED"
	StateCanceled      = "CANCELED"
	StateExpired       = "EXPIRED"
	StateFilled        = "FILLED"
)

// Token alphabet drops 0/O and 1/I to keep codes unambiguous when read
// aloud or typed from a phone.
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	tokenMinLen = 6
	tokenMaxLen = 10
)

var (
	ErrUnknownTicket  = errors.New("orders: unknown ticket")
	ErrUnknownToken   = errors.New("orders: unknown token")
	ErrTerminalState  = errors.New("orders: ticket in terminal state")
	ErrBadTransition  = errors.New("orders: transition not allowed")
	ErrTokenExhausted = errors.New("orders: token space exhausted")
)

var transitions = map[string][]string{
	StatePending:       {StateConfirmedChat, StateConfirmed, StateRejected, StateCanceled, StateExpired},
	StateConfirmedChat: {StateConfirmed, StateCanceled, StateExpired},
	StateConfirmed:     {StateFilled, StateCanceled},
}

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	switch state {
	case StateRejected, StateCanceled, StateExpired, StateFilled:
		return true
	}
	return false
}

// Ticket is one order intent.
type Ticket struct {
	ID                string            `json:"id"`
	Token             string            `json:"token"`
	Symbol            string            `json:"symbol"`
	Side              string            `json:"side"`
	Qty               float64           `json:"qty"`
	Type              string            `json:"type"`
	LimitPrice        *float64          `json:"limit_price,omitempty"`
	StopPrice         *float64          `json:"stop_price,omitempty"`
	State             string            `json:"state"`
	CreatedAt         int64             `json:"created_at"`
	ExpiresAt         int64             `json:"expires_at,omitempty"`
	LastActorBySource map[string]string `json:"last_actor_by_source,omitempty"`
}

// NewTicket carries the fields of a ticket being opened.
type NewTicket struct {
	Symbol     string
	Side       string
	Qty        float64
	Type       string
	LimitPrice *float64
	StopPrice  *float64
	ExpiresAt  int64
}

// Store persists tickets under a directory: state.json is the full index,
// orders.jsonl the append-only history. Safe for concurrent use.
type Store struct {
	dir string

	mu      sync.Mutex
	tickets map[string]*Ticket
	byToken map[string]string
}

// Open loads (creating if needed) the ticket store at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create orders dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		tickets: map[string]*Ticket{},
		byToken: map[string]string{},
	}

	raw, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read orders index: %w", err)
	}
	if err := json.Unmarshal(raw, &s.tickets); err != nil {
		return nil, fmt.Errorf("parse orders index: %w", err)
	}
	for id, t := range s.tickets {
		s.byToken[strings.ToUpper(t.Token)] = id
	}
	return s, nil
}

func (s *Store) statePath() string { return filepath.Join(s.dir, "state.json") }
func (s *Store) logPath() string   { return filepath.Join(s.dir, "orders.jsonl") }

// Create opens a new PENDING ticket with a fresh token.
func (s *Store) Create(req NewTicket) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.newTokenLocked()
	if err != nil {
		return nil, err
	}

	t := &Ticket{
		ID:                uuid.NewString(),
		Token:             token,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Qty:               req.Qty,
		Type:              req.Type,
		LimitPrice:        req.LimitPrice,
		StopPrice:         req.StopPrice,
		State:             StatePending,
		CreatedAt:         time.Now().UTC().Unix(),
		ExpiresAt:         req.ExpiresAt,
		LastActorBySource: map[string]string{},
	}
	s.tickets[t.ID] = t
	s.byToken[strings.ToUpper(token)] = t.ID

	if err := s.persistLocked("created", t, ""); err != nil {
		return nil, err
	}
	out := *t
	return &out, nil
}

// Get returns a copy of the ticket with the given id.
func (s *Store) Get(id string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrUnknownTicket
	}
	out := *t
	return &out, nil
}

// ResolveToken looks a ticket up by its short token, case-insensitively.
func (s *Store) ResolveToken(token string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[strings.ToUpper(strings.TrimSpace(token))]
	if !ok {
		return nil, ErrUnknownToken
	}
	out := *s.tickets[id]
	return &out, nil
}

// Transition moves a ticket to a new state, recording the acting source.
// Terminal tickets reject all transitions with ErrTerminalState.
func (s *Store) Transition(id, to, reason, source, actor string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, to, reason, source, actor)
}

func (s *Store) transitionLocked(id, to, reason, source, actor string) (*Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrUnknownTicket
	}
	if Terminal(t.State) {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, t.Token, t.State)
	}
	if !slices.Contains(transitions[t.State], to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.State, to)
	}

	t.State = to
	if source != "" {
		if t.LastActorBySource == nil {
			t.LastActorBySource = map[string]string{}
		}
		t.LastActorBySource[source] = actor
	}

	if err := s.persistLocked("transition", t, reason); err != nil {
		return nil, err
	}
	out := *t
	return &out, nil
}

// CancelPending cancels every ticket still awaiting confirmation (PENDING
// and CONFIRMED_CHAT) and returns how many changed. CONFIRMED tickets are
// left alone: those are already with the venue and need a venue-side cancel,
// not a bookkeeping one. Used by the kill-switch and live.cancel.
func (s *Store) CancelPending(reason, source, actor string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, t := range s.tickets {
		if t.State == StatePending || t.State == StateConfirmedChat {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	n := 0
	for _, id := range ids {
		if _, err := s.transitionLocked(id, StateCanceled, reason, source, actor); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// List returns tickets in the given state (all states when empty), oldest
// first.
func (s *Store) List(state string) []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Ticket
	for _, t := range s.tickets {
		if state == "" || t.State == state {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Ticket) int {
		if a.CreatedAt != b.CreatedAt {
			return int(a.CreatedAt - b.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Counts returns the number of tickets per state.
func (s *Store) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]int{}
	for _, t := range s.tickets {
		out[t.State]++
	}
	return out
}

// persistLocked rewrites the index atomically and appends one log line.
func (s *Store) persistLocked(event string, t *Ticket, reason string) error {
	raw, err := json.MarshalIndent(s.tickets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal orders index: %w", err)
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write orders index: %w", err)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		return fmt.Errorf("replace orders index: %w", err)
	}

	line, err := json.Marshal(map[string]any{
		"ts":     time.Now().UTC().Unix(),
		"event":  event,
		"id":     t.ID,
		"token":  t.Token,
		"state":  t.State,
		"reason": reason,
	})
	if err != nil {
		return fmt.Errorf("marshal order log line: %w", err)
	}
	f, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open order log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append order log: %w", err)
	}
	return nil
}

// newTokenLocked draws an unused token, growing the length when a size is
// congested.
func (s *Store) newTokenLocked() (string, error) {
	for length := tokenMinLen; length <= tokenMaxLen; length++ {
		for attempt := 0; attempt < 500; attempt++ {
			tok, err := randomToken(length)
			if err != nil {
				return "", err
			}
			if _, taken := s.byToken[tok]; !taken {
				return tok, nil
			}
		}
	}
	return "", ErrTokenExhausted
}

func randomToken(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	for i, b := range raw {
		raw[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(raw), nil
}
