package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/orders"
)

func newTestServer(t *testing.T) (*Server, *bus.Store, *orders.Store) {
	t.Helper()

	store, err := bus.Open(filepath.Join(t.TempDir(), "ctl.db"))
	if err != nil {
		t.Fatalf("open bus store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	book, err := orders.Open(filepath.Join(t.TempDir(), "orders"))
	if err != nil {
		t.Fatalf("open orders store: %v", err)
	}

	srv, err := NewServer(store, book, Config{ListenAddr: ":0"}, logr.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, store, book
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsHeartbeat(t *testing.T) {
	srv, store, _ := newTestServer(t)

	rec := get(t, srv, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var h struct {
		WorkerHeartbeatSeen bool `json:"worker_heartbeat_seen"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.WorkerHeartbeatSeen {
		t.Fatal("expected no heartbeat before the worker runs")
	}

	if err := store.SetState(bus.HeartbeatKey, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		t.Fatalf("set heartbeat: %v", err)
	}
	rec = get(t, srv, "/healthz")
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.WorkerHeartbeatSeen {
		t.Fatal("expected heartbeat to be visible")
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	if err := store.SetState(bus.StateKey, "PAUSED"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if _, err := store.Emit(bus.LevelWarn, "breaker.tripped", map[string]any{"cmd": "test.explode"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	rec := get(t, srv, "/api/v1/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var snap struct {
		State  string `json:"state"`
		Events []struct {
			Message string `json:"message"`
		} `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != "PAUSED" {
		t.Fatalf("state = %q", snap.State)
	}
	if len(snap.Events) != 1 || snap.Events[0].Message != "breaker.tripped" {
		t.Fatalf("events = %+v", snap.Events)
	}
}

func TestEventsSinceFilter(t *testing.T) {
	srv, store, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		if _, err := store.Emit(bus.LevelInfo, "tick", nil); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	rec := get(t, srv, "/api/v1/events?since=3")
	var body struct {
		Events []struct {
			ID int64 `json:"id"`
		} `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 || body.Events[0].ID != 4 {
		t.Fatalf("events = %+v", body.Events)
	}
}

func TestOrdersEndpointFiltersByState(t *testing.T) {
	srv, _, book := newTestServer(t)

	tk, err := book.Create(orders.NewTicket{Symbol: "AAPL", Side: "buy", Qty: 10, Type: "market"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := book.Create(orders.NewTicket{Symbol: "MSFT", Side: "sell", Qty: 5, Type: "market"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := book.Transition(tk.ID, orders.StateRejected, "operator", "cli", "cli:ops"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	rec := get(t, srv, "/api/v1/orders?state=PENDING")
	var body struct {
		Tickets []orders.Ticket `json:"tickets"`
		Counts  map[string]int  `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tickets) != 1 || body.Tickets[0].Symbol != "MSFT" {
		t.Fatalf("tickets = %+v", body.Tickets)
	}
	if body.Counts[orders.StateRejected] != 1 {
		t.Fatalf("counts = %v", body.Counts)
	}
}

func TestIndexRenders(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := get(t, srv, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "MarketLab Control") {
		t.Fatal("index body missing title")
	}
}
