// Package projection assembles the read-only dashboard snapshot from the
// bus store and the order book. It never writes; the worker owns all
// mutations.
package projection

import (
	"fmt"
	"strconv"
	"time"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/orders"
)

const eventTailLimit = 200

// ApprovalsSummary aggregates the pending dual-control ledger.
type ApprovalsSummary struct {
	Count     int            `json:"count"`
	MaxAgeSec int64          `json:"max_age_sec"`
	Pending   []PendingEntry `json:"pending,omitempty"`
}

// PendingEntry is one outstanding approval.
type PendingEntry struct {
	CmdName  string   `json:"cmd_name"`
	Identity string   `json:"identity"`
	Sources  []string `json:"sources"`
	Required int      `json:"required"`
	AgeSec   int64    `json:"age_sec"`
}

// KPIs carries the headline rates for the dashboard.
type KPIs struct {
	EventsPerMin  int            `json:"events_per_min"`
	CommandCounts map[string]int `json:"command_counts"`
	UptimeSec     int64          `json:"uptime_sec"`
}

// Snapshot is the full dashboard view.
type Snapshot struct {
	GeneratedAt int64 `json:"generated_at"`

	State        string `json:"state"`
	Mode         string `json:"mode"`
	BreakerState string `json:"breaker_state"`

	Events    []bus.Event      `json:"events"`
	Approvals ApprovalsSummary `json:"approvals"`

	OrderCounts   map[string]int  `json:"order_counts"`
	PendingOrders []orders.Ticket `json:"pending_orders,omitempty"`

	KPIs KPIs `json:"kpis"`

	ChatBotUsername string `json:"chat_bot_username,omitempty"`
	ChatLastOKAgo   int64  `json:"chat_last_ok_ago_sec,omitempty"`
}

// Projector reads consistent snapshots. The orders store may be nil when
// the caller only serves bus-level views.
type Projector struct {
	bus    *bus.Store
	orders *orders.Store
}

func New(store *bus.Store, book *orders.Store) *Projector {
	return &Projector{bus: store, orders: book}
}

// Read assembles a snapshot at the given time.
func (p *Projector) Read(now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		GeneratedAt:  now.Unix(),
		State:        p.stateOr(bus.StateKey, "RUN"),
		Mode:         p.stateOr(bus.ModeKey, "paper"),
		BreakerState: p.stateOr(bus.BreakerStateKey, "ok"),
	}

	events, err := p.bus.TailEvents(eventTailLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("projection events: %w", err)
	}
	snap.Events = events

	pending, err := p.bus.PendingApprovals()
	if err != nil {
		return nil, fmt.Errorf("projection approvals: %w", err)
	}
	snap.Approvals.Count = len(pending)
	for _, row := range pending {
		age := int64(row.Age(now).Seconds())
		if age > snap.Approvals.MaxAgeSec {
			snap.Approvals.MaxAgeSec = age
		}
		snap.Approvals.Pending = append(snap.Approvals.Pending, PendingEntry{
			CmdName:  row.CmdName,
			Identity: row.Identity,
			Sources:  row.Sources,
			Required: row.Required,
			AgeSec:   age,
		})
	}

	if p.orders != nil {
		snap.OrderCounts = p.orders.Counts()
		snap.PendingOrders = p.orders.List(orders.StatePending)
	}

	perMin, err := p.bus.EventsSince(now.Add(-time.Minute))
	if err != nil {
		return nil, fmt.Errorf("projection event rate: %w", err)
	}
	snap.KPIs.EventsPerMin = perMin

	counts, err := p.bus.CountByStatus()
	if err != nil {
		return nil, fmt.Errorf("projection command counts: %w", err)
	}
	snap.KPIs.CommandCounts = counts

	if v, err := p.bus.GetState(bus.WorkerStartKey); err == nil {
		if start, perr := strconv.ParseInt(v, 10, 64); perr == nil && start > 0 {
			snap.KPIs.UptimeSec = now.Unix() - start
		}
	}

	if v, err := p.bus.GetState("chat.bot_username"); err == nil {
		snap.ChatBotUsername = v
	}
	if v, err := p.bus.GetState("chat.last_ok_ts"); err == nil {
		if ts, perr := strconv.ParseInt(v, 10, 64); perr == nil && ts > 0 {
			snap.ChatLastOKAgo = now.Unix() - ts
		}
	}

	return snap, nil
}

func (p *Projector) stateOr(key, fallback string) string {
	v, err := p.bus.GetState(key)
	if err != nil {
		return fallback
	}
	return v
}
