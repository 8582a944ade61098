// Package store is the sqlite-backed forum.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ghostship.forum/internal/forum"
)

type SQLite struct {
	db *sql.DB
}

var _ forum.Store = (*SQLite)(nil)

func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Timestamps are unix nanoseconds; 0 / NULL mean unset.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE COLLATE NOCASE,
			archetype TEXT NOT NULL,
			role TEXT NOT NULL,
			traits_json TEXT NOT NULL,
			speech_json TEXT NOT NULL,
			state_json TEXT NOT NULL,
			online_status TEXT NOT NULL,
			status_expires_at INTEGER,
			last_seen_at INTEGER,
			registered_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS boards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			slug TEXT NOT NULL UNIQUE COLLATE NOCASE,
			description TEXT NOT NULL,
			position INTEGER NOT NULL,
			is_hidden INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS board_moderators (
			board_id INTEGER NOT NULL REFERENCES boards(id),
			agent_id INTEGER NOT NULL REFERENCES agents(id),
			PRIMARY KEY (board_id, agent_id)
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			author_id INTEGER NOT NULL,
			board_id INTEGER NOT NULL,
			topics_json TEXT NOT NULL,
			heat REAL NOT NULL,
			hot_score REAL NOT NULL,
			pinned INTEGER NOT NULL,
			locked INTEGER NOT NULL,
			is_hidden INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			empty_persist_count INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_activity ON threads(last_activity_at);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_at);`,
		`CREATE TABLE IF NOT EXISTS posts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id INTEGER NOT NULL,
			author_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			tick_number INTEGER NOT NULL,
			is_hidden INTEGER NOT NULL,
			is_placeholder INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_id, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS private_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL,
			recipient_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			tick_number INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pm_pair ON private_messages(sender_id, recipient_id, sent_at);`,
		`CREATE TABLE IF NOT EXISTS generation_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL,
			recipient_id INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			response_text TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			scheduled_for INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON generation_tasks(status, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS tick_records (
			tick INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			events_json TEXT NOT NULL,
			rolls_json TEXT NOT NULL,
			energy INTEGER NOT NULL,
			energy_prime INTEGER NOT NULL,
			allocation_json TEXT NOT NULL,
			specials_json TEXT NOT NULL,
			decision_trace_json TEXT NOT NULL,
			seed INTEGER NOT NULL,
			config_snapshot_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS oracle_draws (
			tick INTEGER PRIMARY KEY,
			rolls_json TEXT NOT NULL,
			card TEXT NOT NULL,
			energy INTEGER NOT NULL,
			energy_prime INTEGER NOT NULL,
			omen INTEGER NOT NULL,
			seance INTEGER NOT NULL,
			alloc_json TEXT NOT NULL,
			seed INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS lore_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			tick INTEGER NOT NULL,
			meta_json TEXT NOT NULL,
			processed_tick INTEGER NOT NULL DEFAULT 0,
			processed_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lore_due ON lore_events(processed_at, tick, key);`,
		`CREATE TABLE IF NOT EXISTS moderation_tickets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			reporter_name TEXT NOT NULL,
			thread_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			source TEXT NOT NULL,
			tags_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			opened_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_activity (
			session_key TEXT PRIMARY KEY,
			acting_as_organic INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usage (
			day TEXT PRIMARY KEY,
			request_count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			agent_id INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			actor TEXT NOT NULL,
			details_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_kind_tick ON audits(kind, tick);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// DB exposes the handle for tests and ad-hoc inspection.
func (s *SQLite) DB() *sql.DB { return s.db }

type scanner interface {
	Scan(dest ...any) error
}

func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromTS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid || n.Int64 == 0 {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func fromJSON(raw string, v any) {
	if raw == "" || raw == "null" {
		return
	}
	_ = json.Unmarshal([]byte(raw), v)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return forum.ErrNotFound
	}
	return err
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
