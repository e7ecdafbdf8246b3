// Package store implements SQLite persistence for knowledge items,
// validations, conflict analyses, resolutions, experiments, worker exchange
// state and worker stats. Consumers depend on their own narrow store
// interfaces; LocalStore satisfies each of them.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"hivemind/internal/logging"
)

// LocalStore is the single SQLite-backed store shared by the bus, the
// conflict engine, the experiment coordinator and the worker controller.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &LocalStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("opened database at %s", path)
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	knowledgeTable := `
	CREATE TABLE IF NOT EXISTS knowledge_items (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source_worker TEXT NOT NULL,
		target_worker TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		topics TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		freshness_at_write REAL NOT NULL DEFAULT 0,
		validation_status TEXT NOT NULL DEFAULT 'pending',
		urgency TEXT NOT NULL DEFAULT 'normal',
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_type ON knowledge_items(type);
	CREATE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge_items(source_worker);
	CREATE INDEX IF NOT EXISTS idx_knowledge_created ON knowledge_items(created_at);
	CREATE INDEX IF NOT EXISTS idx_knowledge_resolved ON knowledge_items(resolved);
	`

	validationTable := `
	CREATE TABLE IF NOT EXISTS knowledge_validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		knowledge_id TEXT NOT NULL,
		validator TEXT NOT NULL,
		is_valid INTEGER NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_validations_knowledge ON knowledge_validations(knowledge_id);
	`

	stateTable := `
	CREATE TABLE IF NOT EXISTS worker_knowledge_state (
		worker_name TEXT PRIMARY KEY,
		last_exchange_at TEXT NOT NULL DEFAULT '',
		exchange_count INTEGER NOT NULL DEFAULT 0,
		recent_received TEXT NOT NULL DEFAULT '[]',
		recent_broadcast TEXT NOT NULL DEFAULT '[]'
	);
	`

	// conflict_id is the deterministic pair hash; the primary key makes
	// analysis inserts idempotent.
	analysisTable := `
	CREATE TABLE IF NOT EXISTS conflict_analyses (
		conflict_id TEXT PRIMARY KEY,
		knowledge_a_id TEXT NOT NULL,
		knowledge_b_id TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		similarity_score REAL NOT NULL DEFAULT 0,
		contradiction_score REAL NOT NULL DEFAULT 0,
		overlap_score REAL NOT NULL DEFAULT 0,
		severity TEXT NOT NULL,
		recommended_strategy TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_severity ON conflict_analyses(severity);
	`

	// UNIQUE(conflict_id) is what collapses concurrent resolution attempts on
	// the same pair into one winner.
	resolutionTable := `
	CREATE TABLE IF NOT EXISTS resolutions (
		resolution_id TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL UNIQUE,
		strategy TEXT NOT NULL,
		selected_knowledge_id TEXT NOT NULL DEFAULT '',
		merged_knowledge_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		resolved_at TEXT NOT NULL
	);
	`

	experimentTable := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		worker_name TEXT NOT NULL,
		name TEXT NOT NULL,
		hypothesis TEXT NOT NULL DEFAULT '',
		approach TEXT NOT NULL DEFAULT '',
		metric_names TEXT NOT NULL DEFAULT '[]',
		risk_level TEXT NOT NULL DEFAULT '',
		rollback_plan TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		improvement_ratio REAL NOT NULL DEFAULT 0,
		promoted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL DEFAULT '',
		promoted_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_worker ON experiments(worker_name);
	CREATE INDEX IF NOT EXISTS idx_experiments_promoted ON experiments(promoted);
	`

	statsTable := `
	CREATE TABLE IF NOT EXISTS worker_stats (
		worker_name TEXT PRIMARY KEY,
		cycles_completed INTEGER NOT NULL DEFAULT 0,
		experiments_run INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		avg_cycle_ms REAL NOT NULL DEFAULT 0,
		last_cycle_at TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	);
	`

	for _, table := range []string{knowledgeTable, validationTable, stateTable, analysisTable, resolutionTable, experimentTable, statsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *LocalStore) Path() string {
	return s.dbPath
}

// formatTime encodes a timestamp for storage. Zero times encode as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime decodes a stored timestamp; "" decodes to the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
