// Package sqlite provides a single-file claim ledger, result store and frontier
// for crawlers that run on one host.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS claims (
	fingerprint      TEXT PRIMARY KEY,
	url              TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	owner_id         TEXT NOT NULL DEFAULT '',
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	terminal         INTEGER NOT NULL DEFAULT 0,
	note             TEXT NOT NULL DEFAULT '',
	claimed_at       INTEGER NOT NULL DEFAULT 0,
	completed_at     INTEGER NOT NULL DEFAULT 0,
	next_eligible_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS results (
	fingerprint TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	state       TEXT NOT NULL,
	document    TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS frontier (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint     TEXT NOT NULL UNIQUE,
	url             TEXT NOT NULL,
	depth           INTEGER NOT NULL,
	discovered_from TEXT NOT NULL DEFAULT '',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	not_before      INTEGER NOT NULL,
	leased_until    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS frontier_ready_idx ON frontier (not_before, id);
`

// Config locates the database file.
type Config struct {
	Path      string `mapstructure:"path"`
	EnableWAL bool   `mapstructure:"enable_wal"`
}

// Store implements crawler.ClaimStore, crawler.ResultStore and crawler.Frontier on SQLite.
type Store struct {
	db     *sql.DB
	claims storage.ClaimConfig
}

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config, claims storage.ClaimConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.sqlite.path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; claims rely on statements being serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if cfg.EnableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := addLeaseColumn(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, claims: claims.WithDefaults()}, nil
}

// addLeaseColumn upgrades frontier tables created before tasks were leased.
func addLeaseColumn(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('frontier') WHERE name = 'leased_until'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect frontier table: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx,
		`ALTER TABLE frontier ADD COLUMN leased_until INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add frontier lease column: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
