package store

import (
	"database/sql"
	"fmt"

	"loom/internal/logging"
)

// Migration defines one additive column migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists schema migrations for databases created before a
// column existed. CREATE TABLE IF NOT EXISTS covers new databases; these
// cover old ones.
var pendingMigrations = []Migration{
	// Token accounting columns (added with per-session usage reporting)
	{"sessions", "input_tokens", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "output_tokens", "INTEGER NOT NULL DEFAULT 0"},
	// Pending plan column (added with the plan approval gate)
	{"sessions", "pending_plan", "TEXT"},
	// Checkpoint state column (added when rewind became state-accurate)
	{"checkpoints", "state", "TEXT NOT NULL DEFAULT '[]'"},
}

// runMigrations applies pending migrations to an existing database.
func runMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.StoreDebug("Applied migration: %s.%s", m.Table, m.Column)
		applied++
	}
	if applied > 0 {
		logging.StoreDebug("Applied %d schema migrations", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
