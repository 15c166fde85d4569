package store

import "fmt"

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Projects},
		{2, migrationV2Records},
		{3, migrationV3Conflicts},
		{4, migrationV4Ledger},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Projects = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	stage_index INTEGER NOT NULL DEFAULT 0,
	sub_stage_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
`

const migrationV2Records = `
CREATE TABLE IF NOT EXISTS context_records (
	project_id TEXT NOT NULL,
	key TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	version INTEGER NOT NULL,
	last_writer TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, key)
);

CREATE TABLE IF NOT EXISTS locks (
	project_id TEXT NOT NULL,
	key TEXT NOT NULL,
	token TEXT NOT NULL,
	holder TEXT NOT NULL,
	acquired_at_ns INTEGER NOT NULL,
	expires_at_ns INTEGER NOT NULL,
	PRIMARY KEY (project_id, key)
);
`

const migrationV3Conflicts = `
CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	key TEXT NOT NULL,
	base_version INTEGER NOT NULL,
	committed_kind TEXT NOT NULL,
	committed BLOB NOT NULL,
	challenger_kind TEXT NOT NULL,
	challenger BLOB NOT NULL,
	challenger_holder TEXT NOT NULL,
	lock_token TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unresolved',
	resolved_tier TEXT NOT NULL DEFAULT '',
	resolution_kind TEXT,
	resolution BLOB,
	attempts TEXT NOT NULL DEFAULT '[]',
	detected_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_project ON conflicts(project_id);
`

const migrationV4Ledger = `
CREATE TABLE IF NOT EXISTS ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	class TEXT NOT NULL,
	input_units INTEGER NOT NULL,
	output_units INTEGER NOT NULL,
	cost_micro_usd INTEGER NOT NULL,
	at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_project ON ledger(project_id);
CREATE INDEX IF NOT EXISTS idx_ledger_at ON ledger(at);
`
