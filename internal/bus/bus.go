// Package bus implements the durable command/event bus backing the control
// plane. A single SQLite file holds the command queue, the append-only event
// log, a small key/value app-state table, and the approval ledger rows. The
// worker is the only writer of command status transitions; ingress processes
// only enqueue.
package bus

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Command statuses.
const (
	StatusNew   = "NEW"
	StatusDone  = "DONE"
	StatusError = "ERROR"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelOK    = "ok"
)

// Well-known app_state keys.
const (
	StateKey        = "state"
	ModeKey         = "mode"
	BreakerStateKey = "breaker_state"
	WorkerStartKey  = "worker_start_ts"
	HeartbeatKey    = "worker_heartbeat_ts"
)

var (
	ErrNotFound = errors.New("bus: not found")
)

// Command is one row of the command queue.
type Command struct {
	ID          int64          `json:"id"`
	CmdID       string         `json:"cmd_id"`
	Cmd         string         `json:"cmd"`
	Args        map[string]any `json:"args"`
	Source      string         `json:"source"`
	Status      string         `json:"status"`
	DedupeKey   string         `json:"dedupe_key,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	RetryCount  int            `json:"retry_count"`
	AvailableAt int64          `json:"available_at"`
	TTLSec      *int64         `json:"ttl_sec,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	ActorID     string         `json:"actor_id,omitempty"`
}

// Expired reports whether the command's TTL has lapsed at the given time.
func (c *Command) Expired(now time.Time) bool {
	return c.TTLSec != nil && c.CreatedAt+*c.TTLSec < now.Unix()
}

// Event is one row of the append-only event log.
type Event struct {
	ID      int64          `json:"id"`
	TS      int64          `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// EnqueueRequest carries the parameters of a single enqueue call.
type EnqueueRequest struct {
	Cmd       string
	Args      map[string]any
	Source    string
	TTLSec    *int64
	DedupeKey string
	RequestID string
	ActorID   string
}

// Store is the SQLite-backed bus. Safe for use by one writer process plus
// any number of enqueue-only and read-only processes (WAL mode).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the bus database and migrates schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bus dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open bus db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// OpenRetry opens the bus database, retrying transient failures with capped
// backoff. Once a retry succeeds it records a storage.unavailable event so
// the outage is visible in the event log; after the attempts are exhausted
// the last error is returned.
func OpenRetry(path string, attempts int) (*Store, error) {
	if attempts <= 0 {
		attempts = 3
	}

	backoff := 250 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(backoff)
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
		s, err := Open(path)
		if err == nil {
			if i > 0 {
				_, _ = s.Emit(LevelWarn, "storage.unavailable", map[string]any{
					"attempts": i + 1, "recovered": true,
				})
			}
			return s, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("open bus after %d attempts: %w", attempts, lastErr)
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			cmd_id       TEXT NOT NULL UNIQUE,
			cmd          TEXT NOT NULL,
			args         TEXT NOT NULL DEFAULT '{}',
			source       TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'NEW',
			dedupe_key   TEXT,
			request_id   TEXT,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL,
			ttl_sec      INTEGER,
			created_at   INTEGER NOT NULL,
			actor_id     TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ts      INTEGER NOT NULL,
			level   TEXT NOT NULL,
			message TEXT NOT NULL,
			fields  TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS app_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			cmd_name     TEXT NOT NULL,
			identity     TEXT NOT NULL,
			required     INTEGER NOT NULL,
			window_sec   INTEGER NOT NULL,
			sources_seen TEXT NOT NULL DEFAULT '[]',
			actors_seen  TEXT NOT NULL DEFAULT '[]',
			created_at   INTEGER NOT NULL,
			fulfilled_at INTEGER,
			expired_at   INTEGER,
			PRIMARY KEY (cmd_name, identity)
		)`,
		`CREATE TABLE IF NOT EXISTS command_audit (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			ts      INTEGER NOT NULL,
			cmd_id  TEXT NOT NULL,
			phase   TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_commands_new ON commands(status, available_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_commands_dedupe ON commands(dedupe_key)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_commands_request ON commands(request_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_message ON events(message)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_level ON events(level)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_cmd ON command_audit(cmd_id)`)

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Enqueue inserts a command with status NEW, or returns the cmd_id of an
// existing active duplicate. Identity is checked on request_id first and
// then dedupe_key; only rows still NEW count as duplicates.
func (s *Store) Enqueue(req EnqueueRequest) (string, error) {
	if req.Cmd == "" {
		return "", fmt.Errorf("enqueue: empty command name")
	}
	if req.Source == "" {
		return "", fmt.Errorf("enqueue: empty source")
	}

	if req.RequestID != "" {
		if id, ok, err := s.activeDuplicate("request_id", req.RequestID); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}
	if req.DedupeKey != "" {
		if id, ok, err := s.activeDuplicate("dedupe_key", req.DedupeKey); err != nil {
			return "", err
		} else if ok {
			return id, nil
		}
	}

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}

	cmdID := uuid.NewString()
	now := time.Now().UTC().Unix()

	_, err = s.db.Exec(`INSERT INTO commands
		(cmd_id, cmd, args, source, status, dedupe_key, request_id, available_at, ttl_sec, created_at, actor_id)
		VALUES (?, ?, ?, ?, 'NEW', ?, ?, ?, ?, ?, ?)`,
		cmdID, req.Cmd, string(argsJSON), req.Source,
		nullString(req.DedupeKey), nullString(req.RequestID),
		now, nullInt(req.TTLSec), now, nullString(req.ActorID),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.Cmd, err)
	}

	s.audit(cmdID, "enqueue", map[string]any{"cmd": req.Cmd, "source": req.Source})
	return cmdID, nil
}

func (s *Store) activeDuplicate(column, value string) (string, bool, error) {
	var cmdID string
	err := s.db.QueryRow(
		`SELECT cmd_id FROM commands WHERE `+column+` = ? AND status = 'NEW' ORDER BY id LIMIT 1`,
		value,
	).Scan(&cmdID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return cmdID, true, nil
}

// NextNew returns the oldest NEW command whose available_at has passed, or
// ErrNotFound when the queue is empty. Commands whose TTL lapsed are marked
// ERROR with a command.ttl.expired event and skipped. The returned command
// stays NEW; the caller marks it terminal after processing.
func (s *Store) NextNew(now time.Time) (*Command, error) {
	for {
		cmd, err := s.selectNext(now)
		if err != nil {
			return nil, err
		}
		if !cmd.Expired(now) {
			s.audit(cmd.CmdID, "dispatch", map[string]any{"cmd": cmd.Cmd})
			return cmd, nil
		}

		if _, err := s.db.Exec(`UPDATE commands SET status = 'ERROR' WHERE cmd_id = ?`, cmd.CmdID); err != nil {
			return nil, fmt.Errorf("expire command: %w", err)
		}
		s.audit(cmd.CmdID, "expired", map[string]any{"cmd": cmd.Cmd, "ttl_sec": *cmd.TTLSec})
		if _, err := s.Emit(LevelWarn, "command.ttl.expired", map[string]any{
			"cmd_id": cmd.CmdID, "cmd": cmd.Cmd, "reason": "ttl.expired",
		}); err != nil {
			return nil, err
		}
	}
}

func (s *Store) selectNext(now time.Time) (*Command, error) {
	row := s.db.QueryRow(`SELECT id, cmd_id, cmd, args, source, status, dedupe_key, request_id,
		retry_count, available_at, ttl_sec, created_at, actor_id
		FROM commands WHERE status = 'NEW' AND available_at <= ?
		ORDER BY available_at, id LIMIT 1`, now.Unix())
	return scanCommand(row)
}

// NextNewNamed returns the oldest eligible NEW command with the given name.
// The worker uses this while the breaker is open, when only override
// commands may run. ErrNotFound when no such command is queued.
func (s *Store) NextNewNamed(name string, now time.Time) (*Command, error) {
	row := s.db.QueryRow(`SELECT id, cmd_id, cmd, args, source, status, dedupe_key, request_id,
		retry_count, available_at, ttl_sec, created_at, actor_id
		FROM commands WHERE status = 'NEW' AND cmd = ? AND available_at <= ?
		ORDER BY available_at, id LIMIT 1`, name, now.Unix())
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, err
	}
	s.audit(cmd.CmdID, "dispatch", map[string]any{"cmd": cmd.Cmd})
	return cmd, nil
}

// GetCommand looks a command up by cmd_id.
func (s *Store) GetCommand(cmdID string) (*Command, error) {
	row := s.db.QueryRow(`SELECT id, cmd_id, cmd, args, source, status, dedupe_key, request_id,
		retry_count, available_at, ttl_sec, created_at, actor_id
		FROM commands WHERE cmd_id = ?`, cmdID)
	return scanCommand(row)
}

// ListNew returns up to limit NEW commands in dequeue order. Used by the CLI
// drain preview.
func (s *Store) ListNew(limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, cmd_id, cmd, args, source, status, dedupe_key, request_id,
		retry_count, available_at, ttl_sec, created_at, actor_id
		FROM commands WHERE status = 'NEW' ORDER BY available_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list new commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cmd)
	}
	return out, rows.Err()
}

// MarkDone marks a command DONE.
func (s *Store) MarkDone(cmdID string) error {
	if _, err := s.db.Exec(`UPDATE commands SET status = 'DONE' WHERE cmd_id = ?`, cmdID); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	s.audit(cmdID, "done", nil)
	return nil
}

// MarkError marks a command ERROR and emits command.error. A positive
// backoff increments retry_count and records a pushed available_at for a
// future re-enqueue policy; the store itself never retries.
func (s *Store) MarkError(cmdID, reason string, backoff time.Duration) error {
	var retry int
	if backoff > 0 {
		until := time.Now().UTC().Add(backoff).Unix()
		err := s.db.QueryRow(`UPDATE commands
			SET status = 'ERROR', retry_count = retry_count + 1, available_at = ?
			WHERE cmd_id = ? RETURNING retry_count`, until, cmdID).Scan(&retry)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark error: %w", err)
		}
	} else {
		err := s.db.QueryRow(`UPDATE commands SET status = 'ERROR'
			WHERE cmd_id = ? RETURNING retry_count`, cmdID).Scan(&retry)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark error: %w", err)
		}
	}

	s.audit(cmdID, "error", map[string]any{"reason": reason})
	_, err := s.Emit(LevelError, "command.error", map[string]any{
		"cmd_id": cmdID, "reason": reason, "retry_count": retry,
	})
	return err
}

// Emit appends one event and returns its id.
func (s *Store) Emit(level, message string, fields map[string]any) (int64, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("marshal event fields: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO events (ts, level, message, fields) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Unix(), level, message, string(fieldsJSON))
	if err != nil {
		return 0, fmt.Errorf("emit %s: %w", message, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("emit %s: %w", message, err)
	}
	return id, nil
}

// TailEvents returns events in ascending id order. With sinceID > 0 it
// returns up to limit events after that id; otherwise the most recent limit
// events.
func (s *Store) TailEvents(limit int, sinceID int64) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}

	var (
		rows *sql.Rows
		err  error
	)
	if sinceID > 0 {
		rows, err = s.db.Query(`SELECT id, ts, level, message, fields FROM events
			WHERE id > ? ORDER BY id LIMIT ?`, sinceID, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, ts, level, message, fields FROM (
			SELECT id, ts, level, message, fields FROM events ORDER BY id DESC LIMIT ?
		) ORDER BY id`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			fields string
		)
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Level, &ev.Message, &fields); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
			return nil, fmt.Errorf("parse event fields: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsSince counts events with ts >= the given time. Feeds the
// events-per-minute KPI.
func (s *Store) EventsSince(t time.Time) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE ts >= ?`, t.Unix()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// SetState writes an app_state key (last write wins).
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads an app_state key; ErrNotFound when absent.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// CountByStatus returns the number of commands per status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// audit records a lifecycle phase for a command. Best effort: a failed audit
// write never blocks the bus.
func (s *Store) audit(cmdID, phase string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.db.Exec(`INSERT INTO command_audit (ts, cmd_id, phase, payload) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Unix(), cmdID, phase, string(raw))
}

// StableRequestID derives a deterministic identity for a command and its
// arguments, used to collapse repeated submissions of the same intent.
func StableRequestID(cmd string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(append([]byte(cmd+":"), raw...))
	return cmd + ":" + hex.EncodeToString(sum[:])[:16]
}

func scanCommand(row interface{ Scan(...any) error }) (*Command, error) {
	var (
		cmd       Command
		args      string
		dedupe    sql.NullString
		requestID sql.NullString
		ttl       sql.NullInt64
		actor     sql.NullString
	)
	err := row.Scan(&cmd.ID, &cmd.CmdID, &cmd.Cmd, &args, &cmd.Source, &cmd.Status,
		&dedupe, &requestID, &cmd.RetryCount, &cmd.AvailableAt, &ttl, &cmd.CreatedAt, &actor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}

	if err := json.Unmarshal([]byte(args), &cmd.Args); err != nil {
		return nil, fmt.Errorf("parse command args: %w", err)
	}
	cmd.DedupeKey = dedupe.String
	cmd.RequestID = requestID.String
	cmd.ActorID = actor.String
	if ttl.Valid {
		v := ttl.Int64
		cmd.TTLSec = &v
	}
	return &cmd, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
