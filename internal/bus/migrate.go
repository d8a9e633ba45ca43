package bus

import (
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

// ensureVersion stamps the schema version on first open and refuses to run
// against a database written by a newer build.
func ensureVersion(db *sql.DB, target int) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _schema_version (
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema version table: %w", err)
	}

	var current int
	err := db.QueryRow(`SELECT version FROM _schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.Exec(`INSERT INTO _schema_version (version) VALUES (?)`, target); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current > target {
		return fmt.Errorf("bus schema version %d is newer than supported %d", current, target)
	}
	if current < target {
		if _, err := db.Exec(`UPDATE _schema_version SET version = ?`, target); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}
