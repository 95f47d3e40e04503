package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: archival sync columns.
	// Uses ALTER TABLE which can't be inside CREATE TABLE IF NOT EXISTS.
	// Column existence is checked first to make it idempotent.
	if err := s.migrateArchivalColumns(); err != nil {
		return fmt.Errorf("migrating archival columns: %w", err)
	}

	// Schema evolution: run correlation id on the event log.
	if err := s.migrateEventRunID(); err != nil {
		return fmt.Errorf("migrating event run_id column: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Facts: the single source of truth for remembered knowledge.
		`CREATE TABLE IF NOT EXISTS facts (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			content            TEXT NOT NULL,
			fact_type          TEXT NOT NULL CHECK(fact_type IN ('fact','preference','goal','completed_goal','decision','constraint','contact')),
			category           TEXT NOT NULL DEFAULT 'other' CHECK(category IN ('personal','work','people','schedule','technical','other')),
			confidence         REAL NOT NULL DEFAULT 0.5,
			status             TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','superseded','needs_review','archived')),
			extraction_method  TEXT NOT NULL DEFAULT 'pattern' CHECK(extraction_method IN ('tag','pattern','ai','manual')),
			tags               TEXT NOT NULL DEFAULT '',
			source_channel     TEXT NOT NULL DEFAULT '',
			content_hash       TEXT NOT NULL,
			deadline           DATETIME,
			completed_at       DATETIME,
			superseded_by      INTEGER REFERENCES facts(id),
			archival_ref       TEXT,
			archival_synced_at DATETIME,
			metadata           TEXT,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_type ON facts(fact_type)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_channel ON facts(source_channel)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_created ON facts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_superseded_by ON facts(superseded_by)`,

		// Idempotency backstop: at-least-once delivery means the same message
		// can be ingested twice. The partial index only covers active rows so
		// superseded/archived history never blocks a legitimate re-insert.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_active_dedup
		 ON facts(content_hash, source_channel) WHERE status = 'active'`,

		// Conflicts: detected disagreements between facts.
		`CREATE TABLE IF NOT EXISTS conflicts (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_a_id     INTEGER NOT NULL REFERENCES facts(id),
			fact_b_id     INTEGER NOT NULL REFERENCES facts(id),
			similarity    REAL NOT NULL DEFAULT 0,
			conflict_type TEXT NOT NULL CHECK(conflict_type IN ('update','clarification','contradiction')),
			status        TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','resolved')),
			resolution    TEXT CHECK(resolution IN ('keep_a','keep_b','merged')),
			resolved_by   TEXT CHECK(resolved_by IN ('auto','user')),
			resolved_at   DATETIME,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_fact_b ON conflicts(fact_b_id)`,

		// Decision log (append-only). Nothing in the engine reads this back;
		// it exists for audit and debugging.
		`CREATE TABLE IF NOT EXISTS fact_events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type      TEXT NOT NULL CHECK(event_type IN ('created','merged','superseded','flagged','skipped','goal_completed','consolidated','archived','resolved')),
			fact_id         INTEGER,
			related_fact_id INTEGER,
			detail          TEXT,
			run_id          TEXT,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_fact ON fact_events(fact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON fact_events(created_at)`,

		// Metadata table
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// migrateArchivalColumns adds archival_ref and archival_synced_at to facts.
// Databases created before archival sync shipped lack both columns; fresh
// databases get them in the bootstrap DDL and this is a no-op.
func (s *SQLiteStore) migrateArchivalColumns() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('facts') WHERE name='archival_ref'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for archival_ref column: %w", err)
	}
	if count > 0 {
		return nil // Already migrated
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archival migration: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`ALTER TABLE facts ADD COLUMN archival_ref TEXT`,
		`ALTER TABLE facts ADD COLUMN archival_synced_at DATETIME`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			if isDuplicateColumnError(err) {
				continue
			}
			return fmt.Errorf("executing %q: %w", truncate(stmt, 60), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archival migration: %w", err)
	}
	return nil
}

// migrateEventRunID adds run_id to fact_events so every decision can be
// correlated to the ingest or background run that produced it.
func (s *SQLiteStore) migrateEventRunID() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('fact_events') WHERE name='run_id'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for run_id column: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.db.Exec(`ALTER TABLE fact_events ADD COLUMN run_id TEXT`); err != nil {
		if isDuplicateColumnError(err) {
			return nil
		}
		return fmt.Errorf("adding run_id column: %w", err)
	}
	return nil
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": "1",
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}
