// Package postgres provides the Postgres-backed claim ledger, result store and
// frontier used when several crawler processes share one database.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names the three tables the store uses.
type Tables struct {
	Claims   string `mapstructure:"claims"`
	Results  string `mapstructure:"results"`
	Frontier string `mapstructure:"frontier"`
}

func (t Tables) withDefaults() (Tables, error) {
	if t.Claims == "" {
		t.Claims = "crawl_claims"
	}
	if t.Results == "" {
		t.Results = "crawl_results"
	}
	if t.Frontier == "" {
		t.Frontier = "crawl_frontier"
	}
	for _, name := range []string{t.Claims, t.Results, t.Frontier} {
		if !validTableName.MatchString(name) {
			return t, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Tables          Tables        `mapstructure:"tables"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// dbPool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements crawler.ClaimStore, crawler.ResultStore and crawler.Frontier.
type Store struct {
	pool   dbPool
	tables Tables
	claims storage.ClaimConfig
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, claims storage.ClaimConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Tables, claims)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, tables Tables, claims storage.ClaimConfig) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables, err := tables.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, tables: tables, claims: claims.WithDefaults()}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	replacer := strings.NewReplacer(
		"{{claims}}", s.tables.Claims,
		"{{results}}", s.tables.Results,
		"{{frontier}}", s.tables.Frontier,
	)
	if _, err := s.pool.Exec(ctx, replacer.Replace(schemaSQL)); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
