package store

import (
	"database/sql"
	"fmt"

	"lobuilder/internal/logging"
)

// baseSchemaVersion is the schema initializeSchema creates: evaluations,
// tester_runs and tester_results.
const baseSchemaVersion = 1

// Migration adds one column to an existing table as part of schema Version.
type Migration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

// migrations bring databases written by an older release up to date. Tables
// created fresh already carry every column, so each one is skipped there.
// v1 is the first released schema, so nothing needs upgrading yet.
var migrations []Migration

// CurrentSchemaVersion is the version a fully migrated database records.
func CurrentSchemaVersion() int {
	v := baseSchemaVersion
	for _, m := range migrations {
		v = max(v, m.Version)
	}
	return v
}

// RunMigrations applies schema migrations for existing databases and records
// the resulting schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	from, to := GetSchemaVersion(db), CurrentSchemaVersion()
	if from >= to {
		logging.StoreDebug("Schema is current (v%d)", from)
		return recordVersion(db, to)
	}
	logging.Store("Migrating history schema v%d -> v%d", from, to)

	applied, skipped := 0, 0
	for _, m := range migrations {
		if m.Version <= from {
			continue
		}
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			skipped++
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			skipped++
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration v%d %s.%s: %w", m.Version, m.Table, m.Column, err)
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d", applied, skipped)
	return recordVersion(db, to)
}

func recordVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, version)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, inferring it from the
// table structure when nothing was recorded.
func GetSchemaVersion(db *sql.DB) int {
	if tableExists(db, "schema_versions") {
		var version int
		err := db.QueryRow("SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1").Scan(&version)
		if err == nil {
			return version
		}
	}
	return inferSchemaVersion(db)
}

func inferSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "evaluations") {
		return 0
	}
	return baseSchemaVersion
}
