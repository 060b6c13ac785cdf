package database

import (
	"database/sql"
	"fmt"
)

var (
	createLeasesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_leases (
    name            VARCHAR       NOT NULL,
    holder_id       VARCHAR       NOT NULL,
    created_at      TIMESTAMPTZ   NOT NULL,
    last_heartbeat  TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (name)
);`

	createTaskLocksTableSQL = `
CREATE TABLE IF NOT EXISTS %s_task_locks (
    task_name     VARCHAR       NOT NULL,
    lock_id       VARCHAR       NOT NULL,
    holder_id     VARCHAR       NOT NULL,
    created_at    TIMESTAMPTZ   NOT NULL,
    expires_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (task_name)
);`

	createTaskLocksHolderIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_task_locks (holder_id);`
)

// Migrate creates the leases and task lock tables with indexes.
// The primary keys on name and task_name are what make inserts claim atomically.
func Migrate(db *sql.DB, tableName string) error {
	if err := createLeasesTable(db, tableName); err != nil {
		return err
	}

	if err := createTaskLocksTable(db, tableName); err != nil {
		return err
	}

	if err := createTaskLocksHolderIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createLeasesTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createLeasesTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create leases table: %w", err)
	}
	return nil
}

func createTaskLocksTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createTaskLocksTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create task locks table: %w", err)
	}
	return nil
}

func createTaskLocksHolderIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_task_locks_holder_idx", tableName)
		query     = fmt.Sprintf(createTaskLocksHolderIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create task locks index: %w", err)
	}
	return nil
}
