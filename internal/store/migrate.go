package store

import (
	"database/sql"
	"fmt"
)

// ensureColumn adds a column to a table when it is missing, so databases
// created by an older daemon pick up later schema additions on open.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrate upgrades pre-existing databases to the current schema. Columns
// added since the first release are appended here.
func (s *SQLiteStore) migrate() error {
	steps := []struct {
		table, column, definition string
	}{
		{"chats", "collaboration_mode", "TEXT NOT NULL DEFAULT ''"},
		{"tasks", "unclaim_reason", "TEXT NOT NULL DEFAULT ''"},
		{"approvals", "data", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, step := range steps {
		if err := ensureColumn(s.db.DB, step.table, step.column, step.definition); err != nil {
			return fmt.Errorf("migration %s.%s: %w", step.table, step.column, err)
		}
	}
	return nil
}
