// marketlabctl — operator CLI for the MarketLab command bus.
//
// Subcommands:
//
//	enqueue   queue a command for the worker
//	drain     list eligible commands, or process them with --apply
//	stop-now  queue the kill-switch
//	health    check worker liveness via its heartbeat
//	status    print the control-plane snapshot
//	tail      print recent events
//
// Exit codes: 0 ok, 2 usage or health failure, 4 runtime error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/config"
	"github.com/marketlab/marketlab/internal/orders"
	"github.com/marketlab/marketlab/internal/projection"
	"github.com/marketlab/marketlab/internal/worker"
)

const healthMaxHeartbeatAge = 10 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: marketlabctl <command> [flags]

Commands:
  enqueue --cmd <name> [--args <json>] [--ttl <sec>] [--dedupe-key <key>]
  drain [--apply] [--max <n>]
  stop-now
  health
  status
  tail [--limit <n>]
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "enqueue":
		code = cmdEnqueue(cfg, os.Args[2:])
	case "drain":
		code = cmdDrain(cfg, os.Args[2:])
	case "stop-now":
		code = cmdStopNow(cfg)
	case "health":
		code = cmdHealth(cfg)
	case "status":
		code = cmdStatus(cfg)
	case "tail":
		code = cmdTail(cfg, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

func openBus(cfg *config.Config) (*bus.Store, int) {
	store, err := bus.OpenRetry(cfg.BusDBPath, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open bus database %s: %v\n", cfg.BusDBPath, err)
		return nil, 4
	}
	return store, 0
}

func cmdEnqueue(cfg *config.Config, argv []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	cmdName := fs.String("cmd", "", "dotted command name (e.g. state.pause)")
	argsJSON := fs.String("args", "{}", "command arguments as a JSON object")
	ttl := fs.Int64("ttl", -1, "time-to-live in seconds (-1 = none)")
	dedupeKey := fs.String("dedupe-key", "", "collapse duplicates onto one active command")
	actor := fs.String("actor", "", "actor id (defaults to cli:<pid>)")
	_ = fs.Parse(argv)

	if *cmdName == "" {
		fmt.Fprintln(os.Stderr, "enqueue: --cmd is required")
		return 2
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(*argsJSON), &args); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: bad --args: %v\n", err)
		return 2
	}

	store, code := openBus(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	req := bus.EnqueueRequest{
		Cmd:       *cmdName,
		Args:      args,
		Source:    "cli",
		DedupeKey: *dedupeKey,
		ActorID:   cliActor(*actor),
	}
	if *ttl >= 0 {
		req.TTLSec = ttl
	}

	cmdID, err := store.Enqueue(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 4
	}
	fmt.Println(cmdID)
	return 0
}

func cmdDrain(cfg *config.Config, argv []string) int {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	apply := fs.Bool("apply", false, "process commands instead of listing them")
	max := fs.Int("max", 0, "stop after N commands (0 = all eligible)")
	_ = fs.Parse(argv)

	store, code := openBus(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if !*apply {
		cmds, err := store.ListNew(*max)
		if err != nil {
			fmt.Fprintf(os.Stderr, "drain: %v\n", err)
			return 4
		}
		if len(cmds) == 0 {
			fmt.Println("queue empty")
			return 0
		}
		for _, c := range cmds {
			fmt.Printf("%s  %-20s source=%s actor=%s\n", c.CmdID[:8], c.Cmd, c.Source, c.ActorID)
		}
		fmt.Printf("%d command(s) eligible; rerun with --apply to process\n", len(cmds))
		return 0
	}

	book, err := orders.Open(cfg.OrdersDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: cannot open orders store: %v\n", err)
		return 4
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	w := worker.New(store, book, worker.Config{
		TwoManRule:        true,
		StrictActors:      cfg.DualControlStrict,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerWindow:     time.Duration(cfg.BreakerWindowSec) * time.Second,
		ApprovalWindowSec: cfg.ApprovalWindowSec,
	}, zapr.NewLogger(logger))

	n, err := w.ProcessAvailable(context.Background(), *max)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 4
	}
	fmt.Printf("processed %d command(s)\n", n)
	return 0
}

func cmdStopNow(cfg *config.Config) int {
	store, code := openBus(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	cmdID, err := store.Enqueue(bus.EnqueueRequest{
		Cmd:     "stop.now",
		Args:    map[string]any{},
		Source:  "cli",
		ActorID: cliActor(""),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop-now: %v\n", err)
		return 4
	}
	fmt.Printf("kill-switch queued (%s)\n", cmdID)
	return 0
}

func cmdHealth(cfg *config.Config) int {
	store, code := openBus(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	v, err := store.GetState(bus.HeartbeatKey)
	if err != nil {
		fmt.Println("unhealthy: no worker heartbeat recorded")
		return 2
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		fmt.Printf("unhealthy: malformed heartbeat %q\n", v)
		return 2
	}
	age := time.Since(time.Unix(ts, 0))
	if age > healthMaxHeartbeatAge {
		fmt.Printf("unhealthy: last heartbeat %s ago\n", age.Round(time.Second))
		return 2
	}
	fmt.Printf("healthy: heartbeat %s ago\n", age.Round(time.Second))
	return 0
}

func cmdStatus(cfg *config.Config) int {
	store, code := openBus(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	var book *orders.Store
	if b, err := orders.Open(cfg.OrdersDir); err == nil {
		book = b
	}

	snap, err := projection.New(store, book).Read(time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 4
	}

	fmt.Printf("state=%s mode=%s breaker=%s\n", snap.State, snap.Mode, snap.BreakerState)
	fmt.Printf("approvals pending=%d max_age=%ds\n", snap.Approvals.Count, snap.Approvals.MaxAgeSec)
	fmt.Printf("commands: %v\n", snap.KPIs.CommandCounts)
	if snap.OrderCounts != nil {
		fmt.Printf("orders: %v\n", snap.OrderCounts)
	}
	return 0
}

func cmdTail(cfg *config.Config, argv []string) int {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of events")
	_ = fs.Parse(argv)

	store, code := openBus(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	events, err := store.TailEvents(*limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tail: %v\n", err)
		return 4
	}
	for _, ev := range events {
		fields := ""
		if len(ev.Fields) > 0 {
			raw, _ := json.Marshal(ev.Fields)
			fields = " " + string(raw)
		}
		fmt.Printf("%s [%s] %s%s\n",
			time.Unix(ev.TS, 0).Format(time.RFC3339), ev.Level, ev.Message, fields)
	}
	return 0
}

func cliActor(override string) string {
	if override != "" {
		return "cli:" + override
	}
	return "cli:" + strconv.Itoa(os.Getpid())
}
