// Package approval tracks multi-source (two-man rule) approvals for
// high-risk commands. Approvals live in the bus database so every process
// sees the same ledger; this package owns the fulfillment and expiry rules.
package approval

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/policy"
)

// Decision is the outcome of offering one approval.
type Decision string

const (
	DecisionPending         Decision = "pending"
	DecisionFulfilled       Decision = "fulfilled"
	DecisionDuplicateSource Decision = "rejected_duplicate_source"
	DecisionExpired         Decision = "expired"
)

// Outcome carries the decision plus the distinct sources seen so far, which
// handlers include in their events.
type Outcome struct {
	Decision Decision
	Sources  []string
}

// Ledger enforces dual control over the bus-persisted approval rows.
type Ledger struct {
	store *bus.Store
	// strict requires distinct actors in addition to distinct sources.
	strict bool
}

// NewLedger returns a ledger over the given bus store.
func NewLedger(store *bus.Store, strict bool) *Ledger {
	return &Ledger{store: store, strict: strict}
}

// Offer records one approval of (cmd, target) by the command's source and
// actor. The pending row is swept first: an offer against a lapsed approval
// expires it and returns DecisionExpired; the next offer starts fresh.
func (l *Ledger) Offer(cmd *bus.Command, target string, pol policy.Policy, now time.Time) (Outcome, error) {
	row, err := l.store.GetApproval(cmd.Cmd, target)
	if err != nil && !errors.Is(err, bus.ErrNotFound) {
		return Outcome{}, fmt.Errorf("load approval: %w", err)
	}

	if row != nil && row.ExpiredAt(now) {
		if err := l.expire(row, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: DecisionExpired, Sources: row.Sources}, nil
	}

	if row == nil {
		row = &bus.ApprovalRow{
			CmdName:   cmd.Cmd,
			Identity:  target,
			Required:  pol.RequiredApprovals,
			WindowSec: pol.WindowSec,
			Sources:   []string{cmd.Source},
			Actors:    actorSet(cmd.ActorID),
			CreatedAt: firstNonZero(cmd.CreatedAt, now.Unix()),
		}
		if err := l.store.PutApproval(row); err != nil {
			return Outcome{}, err
		}
		l.emitPending(row, pol)
		return Outcome{Decision: DecisionPending, Sources: row.Sources}, nil
	}

	if slices.Contains(row.Sources, cmd.Source) ||
		(l.strict && cmd.ActorID != "" && slices.Contains(row.Actors, cmd.ActorID)) {
		if _, err := l.store.Emit(bus.LevelWarn, "approval.duplicate_source", map[string]any{
			"cmd": row.CmdName, "identity": row.Identity,
			"source": cmd.Source, "sources": row.Sources,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: DecisionDuplicateSource, Sources: row.Sources}, nil
	}

	row.Sources = append(row.Sources, cmd.Source)
	slices.Sort(row.Sources)
	if cmd.ActorID != "" {
		row.Actors = append(row.Actors, cmd.ActorID)
		slices.Sort(row.Actors)
	}
	if err := l.store.PutApproval(row); err != nil {
		return Outcome{}, err
	}

	if l.fulfilled(row) {
		if err := l.store.ResolveApproval(row.CmdName, row.Identity, true, now); err != nil {
			return Outcome{}, err
		}
		if _, err := l.store.Emit(bus.LevelOK, "approval.fulfilled", map[string]any{
			"cmd": row.CmdName, "identity": row.Identity, "sources": row.Sources,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: DecisionFulfilled, Sources: row.Sources}, nil
	}

	l.emitPending(row, pol)
	return Outcome{Decision: DecisionPending, Sources: row.Sources}, nil
}

func (l *Ledger) fulfilled(row *bus.ApprovalRow) bool {
	if len(row.Sources) < row.Required {
		return false
	}
	if l.strict && len(row.Actors) < row.Required {
		return false
	}
	return true
}

// Sweep expires every pending approval whose window has lapsed and returns
// the expired rows.
func (l *Ledger) Sweep(now time.Time) ([]bus.ApprovalRow, error) {
	pending, err := l.store.PendingApprovals()
	if err != nil {
		return nil, err
	}

	var expired []bus.ApprovalRow
	for i := range pending {
		if !pending[i].ExpiredAt(now) {
			continue
		}
		if err := l.expire(&pending[i], now); err != nil {
			return nil, err
		}
		expired = append(expired, pending[i])
	}
	return expired, nil
}

func (l *Ledger) expire(row *bus.ApprovalRow, now time.Time) error {
	if err := l.store.ResolveApproval(row.CmdName, row.Identity, false, now); err != nil {
		return err
	}
	if _, err := l.store.Emit(bus.LevelWarn, "approval.expired", map[string]any{
		"cmd_name": row.CmdName, "identity": row.Identity, "sources": row.Sources,
	}); err != nil {
		return err
	}
	if row.CmdName == "orders.confirm" {
		if _, err := l.store.Emit(bus.LevelWarn, "orders.confirm.expired", map[string]any{
			"token": row.Identity,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) emitPending(row *bus.ApprovalRow, pol policy.Policy) {
	_, _ = l.store.Emit(bus.LevelWarn, "approval.pending", map[string]any{
		"cmd": row.CmdName, "identity": row.Identity, "risk": pol.Risk,
		"approvals": len(row.Sources), "required": row.Required, "sources": row.Sources,
	})

	if row.CmdName == "orders.confirm" {
		_, _ = l.store.Emit(bus.LevelWarn, "orders.confirm.pending", map[string]any{
			"token": row.Identity, "sources": row.Sources,
		})
	}
}

func actorSet(actor string) []string {
	if actor == "" {
		return []string{}
	}
	return []string{actor}
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
