// Package store implements the appliance incident store: an append-only,
// single-writer SQLite database holding incidents, pattern statistics,
// promoted rules, learning feedback, and flap suppressions. It is the
// single source of truth for the data flywheel.
//
// Concurrency model: one *sql.DB in WAL mode; all writes serialize through
// an in-process mutex, readers run lock-free against the WAL snapshot. The
// only multi-statement write is create-incident + stats-upsert, which runs
// in one transaction.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Severity levels recognized on incidents.
var ValidSeverities = map[string]bool{
	"info": true, "low": true, "medium": true, "high": true, "critical": true,
}

// Resolution levels.
const (
	LevelL1         = "L1"
	LevelL2         = "L2"
	LevelL3         = "L3"
	LevelUnresolved = "UNRESOLVED"
)

// Outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomePartial   = "partial"
	OutcomeEscalated = "escalated"
	OutcomeTimeout   = "timeout"
)

// Store is the appliance incident database.
type Store struct {
	db *sql.DB
	mu sync.Mutex // single writer
}

// Open opens (creating if needed) the incident store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}
	// modernc/sqlite is in-process; a single connection avoids writer races.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate incident db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site_id TEXT NOT NULL,
			host_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			raw_data TEXT NOT NULL,
			pattern_signature TEXT NOT NULL,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			resolution_level TEXT,
			resolution_action TEXT,
			resolving_rule_id TEXT,
			outcome TEXT,
			resolution_time_ms INTEGER,
			human_feedback TEXT,
			promoted_to_l1 INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_signature ON incidents(pattern_signature)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_type ON incidents(incident_type)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,

		`CREATE TABLE IF NOT EXISTS pattern_stats (
			pattern_signature TEXT PRIMARY KEY,
			incident_type TEXT NOT NULL,
			total_occurrences INTEGER NOT NULL DEFAULT 0,
			l1_resolutions INTEGER NOT NULL DEFAULT 0,
			l2_resolutions INTEGER NOT NULL DEFAULT 0,
			l3_escalations INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			total_resolution_time_ms INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT NOT NULL,
			recommended_action TEXT,
			promotion_eligible INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS promoted_rules (
			pattern_signature TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			rule_yaml TEXT NOT NULL,
			promoted_at TEXT NOT NULL,
			promoted_from_incidents TEXT NOT NULL,
			success_rate_at_promotion REAL NOT NULL,
			occurrences_at_promotion INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS rolled_back_rules (
			pattern_signature TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			rolled_back_at TEXT NOT NULL,
			reason TEXT NOT NULL,
			stats_at_rollback TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS learning_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id INTEGER NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
			feedback TEXT NOT NULL,
			action_taken TEXT,
			submitted_by TEXT,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS flap_suppressions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site_id TEXT NOT NULL,
			host_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			suppressed_at TEXT NOT NULL,
			reason TEXT NOT NULL,
			cleared_at TEXT,
			cleared_by TEXT
		)`,
		// Uniqueness applies to the active (uncleared) row only.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_flap_active
			ON flap_suppressions(site_id, host_id, incident_type)
			WHERE cleared_at IS NULL`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

// DatabaseStats summarizes store contents for status queries.
type DatabaseStats struct {
	Incidents       int64
	Unresolved      int64
	Patterns        int64
	PromotedRules   int64
	FlapActive      int64
	OldestIncident  string
	NewestIncident  string
	SizeBytes       int64
}

// GetDatabaseStats returns row counts, size, and incident age bounds.
func (s *Store) GetDatabaseStats() (*DatabaseStats, error) {
	st := &DatabaseStats{}
	row := s.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN resolved_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(MIN(created_at), ''), COALESCE(MAX(created_at), '')
		FROM incidents`)
	if err := row.Scan(&st.Incidents, &st.Unresolved, &st.OldestIncident, &st.NewestIncident); err != nil {
		return nil, fmt.Errorf("incident counts: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pattern_stats`).Scan(&st.Patterns); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM promoted_rules`).Scan(&st.PromotedRules); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM flap_suppressions WHERE cleared_at IS NULL`).Scan(&st.FlapActive); err != nil {
		return nil, err
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.SizeBytes = pageCount * pageSize
		}
	}
	return st, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
