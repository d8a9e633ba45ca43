package bus

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ApprovalRow is the persisted state of one in-flight approval, keyed by
// (cmd_name, identity). The ledger in internal/approval owns the semantics;
// this layer only stores rows.
type ApprovalRow struct {
	CmdName   string   `json:"cmd_name"`
	Identity  string   `json:"identity"`
	Required  int      `json:"required"`
	WindowSec int      `json:"window_sec"`
	Sources   []string `json:"sources_seen"`
	Actors    []string `json:"actors_seen"`
	CreatedAt int64    `json:"created_at"`
}

// Age returns how long the approval has been pending at the given time.
func (a *ApprovalRow) Age(now time.Time) time.Duration {
	return time.Duration(now.Unix()-a.CreatedAt) * time.Second
}

// ExpiredAt reports whether the approval window has lapsed at the given time.
func (a *ApprovalRow) ExpiredAt(now time.Time) bool {
	return now.Unix()-a.CreatedAt > int64(a.WindowSec)
}

// GetApproval loads a pending approval; ErrNotFound when absent.
func (s *Store) GetApproval(cmdName, identity string) (*ApprovalRow, error) {
	row := s.db.QueryRow(`SELECT cmd_name, identity, required, window_sec, sources_seen, actors_seen, created_at
		FROM approvals WHERE cmd_name = ? AND identity = ? AND fulfilled_at IS NULL AND expired_at IS NULL`,
		cmdName, identity)
	return scanApproval(row)
}

// PutApproval inserts or replaces an approval row.
func (s *Store) PutApproval(a *ApprovalRow) error {
	sources, err := json.Marshal(a.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	actors, err := json.Marshal(a.Actors)
	if err != nil {
		return fmt.Errorf("marshal actors: %w", err)
	}

	// The conflict branch also clears the terminal columns so a new offer
	// after fulfilment or expiry starts a fresh window under the same key.
	_, err = s.db.Exec(`INSERT INTO approvals
		(cmd_name, identity, required, window_sec, sources_seen, actors_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cmd_name, identity) DO UPDATE SET
			required = excluded.required,
			window_sec = excluded.window_sec,
			sources_seen = excluded.sources_seen,
			actors_seen = excluded.actors_seen,
			created_at = excluded.created_at,
			fulfilled_at = NULL,
			expired_at = NULL`,
		a.CmdName, a.Identity, a.Required, a.WindowSec, string(sources), string(actors), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("put approval %s/%s: %w", a.CmdName, a.Identity, err)
	}
	return nil
}

// ResolveApproval marks an approval terminal (fulfilled or expired) and
// removes it from the pending set.
func (s *Store) ResolveApproval(cmdName, identity string, fulfilled bool, now time.Time) error {
	column := "expired_at"
	if fulfilled {
		column = "fulfilled_at"
	}
	_, err := s.db.Exec(`UPDATE approvals SET `+column+` = ? WHERE cmd_name = ? AND identity = ?`,
		now.Unix(), cmdName, identity)
	if err != nil {
		return fmt.Errorf("resolve approval %s/%s: %w", cmdName, identity, err)
	}
	return nil
}

// PendingApprovals returns all approvals that are neither fulfilled nor
// expired, oldest first.
func (s *Store) PendingApprovals() ([]ApprovalRow, error) {
	rows, err := s.db.Query(`SELECT cmd_name, identity, required, window_sec, sources_seen, actors_seen, created_at
		FROM approvals WHERE fulfilled_at IS NULL AND expired_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRow
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanApproval(row interface{ Scan(...any) error }) (*ApprovalRow, error) {
	var (
		a       ApprovalRow
		sources string
		actors  string
	)
	err := row.Scan(&a.CmdName, &a.Identity, &a.Required, &a.WindowSec, &sources, &actors, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	if err := json.Unmarshal([]byte(sources), &a.Sources); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	if err := json.Unmarshal([]byte(actors), &a.Actors); err != nil {
		return nil, fmt.Errorf("parse actors: %w", err)
	}
	return &a, nil
}
