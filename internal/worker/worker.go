// Package worker implements the single-consumer command loop: dequeue,
// classify, enforce dual control, execute, emit, mark terminal. It also
// hosts the circuit breaker and the kill-switch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marketlab/marketlab/internal/approval"
	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/metrics"
	"github.com/marketlab/marketlab/internal/orders"
	"github.com/marketlab/marketlab/internal/policy"
	"github.com/marketlab/marketlab/internal/telemetry"
)

// App states.
const (
	StateRun     = "RUN"
	StatePaused  = "PAUSED"
	StateStopped = "STOPPED"
)

// approvalSweepEvery throttles the expiry sweep so an idle loop does not
// rescan the ledger on every poll.
const approvalSweepEvery = 5 * time.Second

const heartbeatEvery = 5 * time.Second

var validModes = map[string]bool{
	"paper": true, "live": true, "backtest": true, "replay": true, "control": true,
}

// rejection is a known-business refusal. It marks the command ERROR and
// emits command.rejected but never feeds the circuit breaker.
type rejection struct {
	reason string
}

func (r *rejection) Error() string { return r.reason }

// Reject returns a handler error carrying a policy.denied reason.
func Reject(reason string) error { return &rejection{reason: reason} }

// HandlerFunc executes one fulfilled command. sources lists the distinct
// approval sources (the command's own source for single-approval commands).
type HandlerFunc func(cmd *bus.Command, sources []string) error

// Config tunes the worker's safety machinery.
type Config struct {
	// TwoManRule enables dual-control enforcement for HIGH-risk commands.
	TwoManRule bool
	// StrictActors additionally requires distinct actor ids.
	StrictActors     bool
	BreakerThreshold int
	BreakerWindow    time.Duration
	// ApprovalWindowSec overrides the default dual-control window
	// (APPROVAL_WINDOW_SEC). Rows with a non-default window in the policy
	// table keep theirs. Zero leaves the table untouched.
	ApprovalWindowSec int
}

// DefaultConfig matches the documented defaults (5 errors in 60s).
func DefaultConfig() Config {
	return Config{
		TwoManRule:       true,
		BreakerThreshold: 5,
		BreakerWindow:    60 * time.Second,
	}
}

// Worker consumes NEW commands from the bus. Exactly one Worker writes to a
// given bus database.
type Worker struct {
	cfg     Config
	bus     *bus.Store
	orders  *orders.Store
	ledger  *approval.Ledger
	log     logr.Logger
	breaker *breaker

	handlers  map[string]HandlerFunc
	lastSweep time.Time
	lastBeat  time.Time
}

// New wires a worker over the bus and order stores.
func New(store *bus.Store, tickets *orders.Store, cfg Config, log logr.Logger) *Worker {
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = DefaultConfig().BreakerWindow
	}

	w := &Worker{
		cfg:     cfg,
		bus:     store,
		orders:  tickets,
		ledger:  approval.NewLedger(store, cfg.StrictActors),
		log:     log.WithName("worker"),
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow),
	}
	w.handlers = map[string]HandlerFunc{
		"state.pause":        w.handleStatePause,
		"state.resume":       w.handleStateResume,
		"state.stop":         w.handleStateStop,
		"mode.switch":        w.handleModeSwitch,
		"orders.confirm":     w.handleOrdersConfirm,
		"orders.reject":      w.handleOrdersReject,
		"orders.confirm_all": w.handleOrdersConfirmAll,
		"orders.cancel":      w.handleOrdersCancel,
		"live.cancel":        w.handleLiveCancel,
		"portfolio.adjust":   w.handlePortfolioAdjust,
		"stop.now":           w.handleStopNow,
	}

	_ = store.SetState(bus.BreakerStateKey, BreakerOK)
	metrics.SetBreakerState(BreakerOK)
	return w
}

// RegisterHandler installs or overrides a handler. Tests use this to inject
// failing commands.
func (w *Worker) RegisterHandler(name string, fn HandlerFunc) {
	w.handlers[name] = fn
}

// Run polls the bus until the context is canceled.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	_ = w.bus.SetState(bus.WorkerStartKey, strconv.FormatInt(time.Now().Unix(), 10))
	if _, err := w.bus.GetState(bus.StateKey); errors.Is(err, bus.ErrNotFound) {
		_ = w.bus.SetState(bus.StateKey, StateRun)
	}
	if _, err := w.bus.GetState(bus.ModeKey); errors.Is(err, bus.ErrNotFound) {
		_ = w.bus.SetState(bus.ModeKey, "paper")
	}
	_, _ = w.bus.Emit(bus.LevelInfo, "worker.start", map[string]any{
		"breaker_threshold":  w.cfg.BreakerThreshold,
		"breaker_window_sec": int(w.cfg.BreakerWindow.Seconds()),
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.heartbeat(time.Now())
		processed, err := w.ProcessOne(ctx, time.Now())
		if err != nil {
			w.log.Error(err, "process command")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ProcessAvailable drains eligible commands, up to max when max > 0.
// Returns the number processed.
func (w *Worker) ProcessAvailable(ctx context.Context, max int) (int, error) {
	n := 0
	for max <= 0 || n < max {
		processed, err := w.ProcessOne(ctx, time.Now())
		if err != nil {
			return n, err
		}
		if !processed {
			break
		}
		n++
	}
	return n, nil
}

// ProcessOne handles at most one command and reports whether it consumed
// one. While the breaker is open only stop.now and state.resume dequeue;
// everything else stays NEW.
func (w *Worker) ProcessOne(ctx context.Context, now time.Time) (bool, error) {
	w.sweepApprovals(now)

	cmd, err := w.nextCommand(now)
	if errors.Is(err, bus.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// NextNew drops expired commands itself; the named override path does
	// not, so guard here too.
	if cmd.Expired(now) {
		_, _ = w.bus.Emit(bus.LevelWarn, "command.ttl.expired", map[string]any{
			"cmd_id": cmd.CmdID, "cmd": cmd.Cmd, "reason": "ttl.expired",
		})
		metrics.RecordCommand(cmd.Cmd, bus.StatusError)
		return true, w.bus.MarkError(cmd.CmdID, "ttl.expired", 0)
	}

	if rej := w.validate(cmd); rej != nil {
		return true, w.reject(cmd, rej)
	}

	pol := policy.Classify(cmd.Cmd)
	if w.cfg.ApprovalWindowSec > 0 && pol.WindowSec == policy.DefaultWindowSec {
		pol.WindowSec = w.cfg.ApprovalWindowSec
	}
	sources := []string{cmd.Source}

	if w.cfg.TwoManRule && pol.RequiredApprovals > 1 {
		target := policy.Target(cmd.Cmd, cmd.Args)
		_, offerSpan := telemetry.StartApprovalSpan(ctx, cmd.Cmd, target)
		out, err := w.ledger.Offer(cmd, target, pol, now)
		offerSpan.SetAttributes(attribute.String("marketlab.decision", string(out.Decision)))
		offerSpan.End()
		if err != nil {
			return true, w.fail(cmd, err, now)
		}
		if out.Decision != approval.DecisionFulfilled {
			// The offer itself is the command's whole effect; the ledger
			// already emitted the pending/duplicate/expired event.
			if out.Decision == approval.DecisionPending && cmd.Cmd == "orders.confirm" && cmd.Source == "chat" {
				w.markChatConfirmed(cmd)
			}
			metrics.RecordCommand(cmd.Cmd, bus.StatusDone)
			return true, w.bus.MarkDone(cmd.CmdID)
		}
		sources = out.Sources
	}

	err = w.execute(ctx, cmd, pol, sources)
	var rej *rejection
	switch {
	case err == nil:
		metrics.RecordCommand(cmd.Cmd, bus.StatusDone)
		return true, w.bus.MarkDone(cmd.CmdID)
	case errors.As(err, &rej):
		return true, w.reject(cmd, rej)
	default:
		return true, w.fail(cmd, err, now)
	}
}

func (w *Worker) nextCommand(now time.Time) (*bus.Command, error) {
	if !w.breaker.Open() {
		return w.bus.NextNew(now)
	}
	for _, name := range []string{"stop.now", "state.resume"} {
		cmd, err := w.bus.NextNewNamed(name, now)
		if errors.Is(err, bus.ErrNotFound) {
			continue
		}
		return cmd, err
	}
	return nil, bus.ErrNotFound
}

func (w *Worker) execute(ctx context.Context, cmd *bus.Command, pol policy.Policy, sources []string) (err error) {
	_, span := telemetry.StartCommandSpan(ctx, cmd.Cmd, cmd.CmdID, cmd.Source)
	span.SetAttributes(attribute.String("marketlab.risk", pol.Risk))

	start := time.Now()
	defer func() {
		metrics.ObserveHandler(cmd.Cmd, time.Since(start))
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		status := bus.StatusDone
		if err != nil {
			status = bus.StatusError
		}
		telemetry.EndCommandSpan(span, status, w.breaker.Open())
	}()

	fn, ok := w.handlers[cmd.Cmd]
	if !ok {
		return Reject("unknown_cmd")
	}
	return fn(cmd, sources)
}

// validate checks arguments up front so commands fail with policy.denied
// before any approval is created.
func (w *Worker) validate(cmd *bus.Command) *rejection {
	switch cmd.Cmd {
	case "mode.switch":
		target, _ := cmd.Args["target"].(string)
		if !validModes[target] {
			return &rejection{reason: "args_invalid"}
		}
	case "orders.confirm", "orders.reject", "orders.cancel":
		token, _ := cmd.Args["token"].(string)
		if token == "" {
			return &rejection{reason: "args_invalid"}
		}
		t, err := w.orders.ResolveToken(token)
		if errors.Is(err, orders.ErrUnknownToken) {
			_, _ = w.bus.Emit(bus.LevelError, cmd.Cmd+".unknown", map[string]any{"token": token})
			return &rejection{reason: "unknown_token"}
		}
		if err != nil {
			return &rejection{reason: "unknown_token"}
		}
		if orders.Terminal(t.State) {
			_, _ = w.bus.Emit(bus.LevelError, cmd.Cmd+".unknown", map[string]any{
				"token": t.Token, "state": t.State,
			})
			return &rejection{reason: "terminal_state"}
		}
	}
	return nil
}

func (w *Worker) reject(cmd *bus.Command, rej *rejection) error {
	_, _ = w.bus.Emit(bus.LevelWarn, "command.rejected", map[string]any{
		"cmd_id": cmd.CmdID, "cmd": cmd.Cmd, "reason": rej.reason,
	})
	metrics.RecordCommand(cmd.Cmd, bus.StatusError)
	return w.bus.MarkError(cmd.CmdID, rej.reason, 0)
}

// fail records an unexpected handler failure and trips the breaker at the
// configured threshold.
func (w *Worker) fail(cmd *bus.Command, cause error, now time.Time) error {
	w.log.Error(cause, "handler failed", "cmd", cmd.Cmd, "cmd_id", cmd.CmdID)
	metrics.RecordCommand(cmd.Cmd, bus.StatusError)
	if err := w.bus.MarkError(cmd.CmdID, "handler.unexpected", 0); err != nil {
		return err
	}

	if w.breaker.Record(now) {
		w.applyPause()
		_ = w.bus.SetState(bus.BreakerStateKey, BreakerTripped)
		metrics.SetBreakerState(BreakerTripped)
		_, _ = w.bus.Emit(bus.LevelError, "breaker.tripped", map[string]any{
			"cmd":           cmd.Cmd,
			"cmd_id":        cmd.CmdID,
			"recent_errors": w.breaker.RecentErrors(),
			"threshold":     w.cfg.BreakerThreshold,
			"window_sec":    int(w.cfg.BreakerWindow.Seconds()),
		})
	}
	return nil
}

func (w *Worker) sweepApprovals(now time.Time) {
	if now.Sub(w.lastSweep) < approvalSweepEvery {
		return
	}
	w.lastSweep = now

	if _, err := w.ledger.Sweep(now); err != nil {
		w.log.Error(err, "sweep approvals")
		return
	}
	if pending, err := w.bus.PendingApprovals(); err == nil {
		metrics.PendingApprovals.Set(float64(len(pending)))
	}
}

func (w *Worker) heartbeat(now time.Time) {
	if now.Sub(w.lastBeat) < heartbeatEvery {
		return
	}
	w.lastBeat = now
	_ = w.bus.SetState(bus.HeartbeatKey, strconv.FormatInt(now.Unix(), 10))
	for state, n := range w.orders.Counts() {
		metrics.OrdersByState.WithLabelValues(state).Set(float64(n))
	}
}

func (w *Worker) applyPause() {
	_ = w.bus.SetState(bus.StateKey, StatePaused)
	_, _ = w.bus.Emit(bus.LevelOK, "state.changed", map[string]any{"state": StatePaused})
}

// ── Handlers ──

func (w *Worker) handleStatePause(cmd *bus.Command, _ []string) error {
	w.applyPause()
	return nil
}

func (w *Worker) handleStateResume(cmd *bus.Command, _ []string) error {
	if err := w.bus.SetState(bus.StateKey, StateRun); err != nil {
		return err
	}
	if _, err := w.bus.Emit(bus.LevelOK, "state.changed", map[string]any{"state": StateRun}); err != nil {
		return err
	}
	if w.breaker.Reset() {
		_ = w.bus.SetState(bus.BreakerStateKey, BreakerOK)
		metrics.SetBreakerState(BreakerOK)
		_, _ = w.bus.Emit(bus.LevelInfo, "breaker.reset", nil)
	}
	return nil
}

func (w *Worker) handleStateStop(cmd *bus.Command, _ []string) error {
	if err := w.bus.SetState(bus.StateKey, StateStopped); err != nil {
		return err
	}
	_, err := w.bus.Emit(bus.LevelOK, "state.changed", map[string]any{"state": StateStopped})
	return err
}

func (w *Worker) handleModeSwitch(cmd *bus.Command, _ []string) error {
	target := cmd.Args["target"].(string)
	if err := w.bus.SetState(bus.ModeKey, target); err != nil {
		return err
	}
	_, err := w.bus.Emit(bus.LevelInfo, "mode.changed", map[string]any{"mode": target})
	return err
}

// markChatConfirmed moves a PENDING ticket to CONFIRMED_CHAT when chat has
// confirmed but the second source has not arrived yet.
func (w *Worker) markChatConfirmed(cmd *bus.Command) {
	token, _ := cmd.Args["token"].(string)
	t, err := w.orders.ResolveToken(token)
	if err != nil || t.State != orders.StatePending {
		return
	}
	if _, err := w.orders.Transition(t.ID, orders.StateConfirmedChat, "chat_confirm", cmd.Source, cmd.ActorID); err != nil {
		w.log.Error(err, "mark chat confirmed", "token", t.Token)
	}
}

func (w *Worker) handleOrdersConfirm(cmd *bus.Command, sources []string) error {
	return w.transitionByToken(cmd, sources, orders.StateConfirmed, "orders.confirm.ok")
}

func (w *Worker) handleOrdersReject(cmd *bus.Command, sources []string) error {
	return w.transitionByToken(cmd, sources, orders.StateRejected, "orders.reject.ok")
}

func (w *Worker) handleOrdersCancel(cmd *bus.Command, sources []string) error {
	return w.transitionByToken(cmd, sources, orders.StateCanceled, "orders.cancel.ok")
}

func (w *Worker) transitionByToken(cmd *bus.Command, sources []string, to, okEvent string) error {
	token := cmd.Args["token"].(string)
	t, err := w.orders.ResolveToken(token)
	if err != nil {
		return Reject("unknown_token")
	}
	if _, err := w.orders.Transition(t.ID, to, "", cmd.Source, cmd.ActorID); err != nil {
		if errors.Is(err, orders.ErrTerminalState) || errors.Is(err, orders.ErrBadTransition) {
			return Reject("terminal_state")
		}
		return err
	}
	_, err = w.bus.Emit(bus.LevelOK, okEvent, map[string]any{"token": t.Token, "sources": sources})
	return err
}

func (w *Worker) handleOrdersConfirmAll(cmd *bus.Command, sources []string) error {
	confirmed := 0
	for _, state := range []string{orders.StatePending, orders.StateConfirmedChat} {
		for _, t := range w.orders.List(state) {
			if _, err := w.orders.Transition(t.ID, orders.StateConfirmed, "confirm_all", cmd.Source, cmd.ActorID); err != nil {
				return err
			}
			if _, err := w.bus.Emit(bus.LevelOK, "orders.confirm.ok", map[string]any{
				"token": t.Token, "sources": sources,
			}); err != nil {
				return err
			}
			confirmed++
		}
	}
	_, err := w.bus.Emit(bus.LevelOK, "orders.confirm_all", map[string]any{
		"confirmed": confirmed, "sources": sources,
	})
	return err
}

func (w *Worker) handleLiveCancel(cmd *bus.Command, sources []string) error {
	selector, _ := cmd.Args["selector"].(string)
	n, err := w.orders.CancelPending("live.cancel", cmd.Source, cmd.ActorID)
	if err != nil {
		return err
	}
	_, err = w.bus.Emit(bus.LevelWarn, "live.cancel.ok", map[string]any{
		"selector": selector, "canceled": n, "sources": sources,
	})
	return err
}

func (w *Worker) handlePortfolioAdjust(cmd *bus.Command, sources []string) error {
	_, err := w.bus.Emit(bus.LevelOK, "portfolio.adjust.ok", map[string]any{
		"id": cmd.Args["id"], "sources": sources,
	})
	return err
}

func (w *Worker) handleStopNow(cmd *bus.Command, sources []string) error {
	w.applyPause()

	canceled, err := w.orders.CancelPending("killswitch", cmd.Source, cmd.ActorID)
	if err != nil {
		return err
	}

	w.breaker.Kill()
	_ = w.bus.SetState(bus.BreakerStateKey, BreakerKillswitch)
	metrics.SetBreakerState(BreakerKillswitch)

	_, err = w.bus.Emit(bus.LevelError, "stop.now", map[string]any{
		"sources": sources, "canceled": canceled,
	})
	return err
}
