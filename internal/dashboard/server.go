// Package dashboard serves the operator console: a read-only HTML overview
// plus the JSON snapshot API and Prometheus metrics. All data comes from the
// projection layer; the dashboard never mutates the bus.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketlab/marketlab/internal/bus"
	"github.com/marketlab/marketlab/internal/orders"
	"github.com/marketlab/marketlab/internal/projection"
)

// Config holds dashboard server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g. ":8787").
	ListenAddr string
}

// Server is the dashboard HTTP server.
type Server struct {
	config Config
	log    logr.Logger
	proj   *projection.Projector
	bus    *bus.Store
	orders *orders.Store
	mux    *http.ServeMux
	index  *template.Template
}

// NewServer creates a new dashboard server over the given stores.
func NewServer(store *bus.Store, book *orders.Store, cfg Config, log logr.Logger) (*Server, error) {
	tmpl, err := template.New("index").Parse(indexTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}

	s := &Server{
		config: cfg,
		log:    log.WithName("dashboard"),
		proj:   projection.New(store, book),
		bus:    store,
		orders: book,
		mux:    http.NewServeMux(),
		index:  tmpl,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP routing.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/v1/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/v1/orders", s.handleOrders)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start runs the dashboard server until context cancellation.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("dashboard starting", "addr", s.config.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleHealthz reports liveness based on the worker heartbeat.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type health struct {
		OK              bool  `json:"ok"`
		WorkerAgeSec    int64 `json:"worker_heartbeat_age_sec"`
		WorkerHeartbeat bool  `json:"worker_heartbeat_seen"`
	}

	h := health{OK: true}
	if v, err := s.bus.GetState(bus.HeartbeatKey); err == nil {
		if ts, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			h.WorkerHeartbeat = true
			h.WorkerAgeSec = time.Now().Unix() - ts
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.proj.Read(time.Now())
	if err != nil {
		s.log.Error(err, "read snapshot")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents serves the event tail. Supports ?since=<id> and ?limit=<n>.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	var sinceID int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceID = n
		}
	}

	events, err := s.bus.TailEvents(limit, sinceID)
	if err != nil {
		s.log.Error(err, "tail events")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleOrders serves the ticket list, optionally filtered by ?state=.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tickets": []orders.Ticket{}})
		return
	}
	tickets := s.orders.List(r.URL.Query().Get("state"))
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": tickets,
		"counts":  s.orders.Counts(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap, err := s.proj.Read(time.Now())
	if err != nil {
		s.log.Error(err, "read snapshot")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.index.Execute(w, snap); err != nil {
		s.log.Error(err, "render index")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
<title>MarketLab Control</title>
<meta http-equiv="refresh" content="5">
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { font-size: 1.2em; }
.badge { padding: 2px 8px; border-radius: 3px; margin-right: 8px; }
.run { background: #1d4f1d; } .paused { background: #6b5d1f; } .tripped { background: #6b1f1f; }
table { border-collapse: collapse; margin-top: 1em; }
td, th { padding: 2px 10px; text-align: left; border-bottom: 1px solid #333; }
.warn { color: #e0c050; } .error { color: #e06060; } .ok { color: #60c060; }
</style>
</head>
<body>
<h1>MarketLab Control</h1>
<p>
<span class="badge {{if eq .State "RUN"}}run{{else}}paused{{end}}">state {{.State}}</span>
<span class="badge">mode {{.Mode}}</span>
<span class="badge {{if ne .BreakerState "ok"}}tripped{{end}}">breaker {{.BreakerState}}</span>
<span class="badge">approvals pending {{.Approvals.Count}}</span>
<span class="badge">events/min {{.KPIs.EventsPerMin}}</span>
</p>
<table>
<tr><th>id</th><th>level</th><th>message</th></tr>
{{range .Events}}<tr><td>{{.ID}}</td><td class="{{.Level}}">{{.Level}}</td><td>{{.Message}}</td></tr>
{{end}}
</table>
</body>
</html>`
