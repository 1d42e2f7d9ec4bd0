// Package store is the Store Gateway: the only component permitted to touch
// persistence directly. Every other package reaches the relational store
// through the typed operations exposed here.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Profile is a connection-tuning preset, the way the teacher's database
// package distinguishes ledger/cache/standard workloads.
type Profile string

const (
	// ProfileLedger favors durability: orders, positions, risk events.
	ProfileLedger Profile = "ledger"
	// ProfileCache favors throughput: health snapshots, scan scratch data.
	ProfileCache Profile = "cache"
	// ProfileStandard is the balanced default for the rest of the schema.
	ProfileStandard Profile = "standard"
)

// Config configures the store connection.
type Config struct {
	Path    string
	Profile Profile
	// MaxOpenConns sizes the shared pool. Spec.md §4.1 targets roughly
	// 12-43 connections across the whole system; a single-process engine
	// gets the low end of that range.
	MaxOpenConns int
}

// DB wraps the underlying sql.DB with the engine's pooling and pragma
// conventions.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
}

// Open opens (and, if necessary, creates) the store at cfg.Path.
func Open(cfg Config) (*DB, error) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 16
	}

	connStr := buildConnectionString(cfg.Path, cfg.Profile)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	configurePool(conn, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &DB{conn: conn, path: cfg.Path, profile: cfg.Profile}, nil
}

func buildConnectionString(path string, profile Profile) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep + "_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		connStr += "&_pragma=synchronous(FULL)"
		connStr += "&_pragma=auto_vacuum(NONE)"
	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"
		connStr += "&_pragma=auto_vacuum(FULL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	default:
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	connStr += "&_pragma=busy_timeout(5000)"

	return connStr
}

func configurePool(conn *sql.DB, cfg Config) {
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(min(cfg.MaxOpenConns, 8))
	conn.SetConnMaxLifetime(1 * time.Hour)
	conn.SetConnMaxIdleTime(10 * time.Minute)
}

// Migrate applies the embedded schema. Idempotent: every statement uses
// CREATE TABLE/INDEX IF NOT EXISTS.
func (db *DB) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";\n")
}

// Conn returns the underlying *sql.DB for use by other store files in this
// package.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close closes the pool.
func (db *DB) Close() error { return db.conn.Close() }

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic. Grounded on the teacher's identically
// named helper.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("store connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			}
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}
