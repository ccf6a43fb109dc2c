// Package storage implements C1: SQLite-backed repositories for every
// entity in spec §3, behind the domain Store interfaces. Grounded on
// ODSapper-CLIAIMONITOR's embedded-schema SQLite stores, adapted to a
// pure-Go driver (no cgo) and to this system's schema (spec §6).
package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the shared *sql.DB handle plus a mutex-free connection pool
// tuned for SQLite's single-writer model.
type DB struct {
	conn *sql.DB
}

// Open creates (if needed) and migrates the SQLite database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows exactly one writer; a single connection avoids
	// SQLITE_BUSY under the orchestrator's own concurrency.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (d *DB) migrate() error {
	_, err := d.conn.Exec(schemaSQL)
	return err
}

// Conn exposes the underlying *sql.DB for repositories in this package.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close releases the database handle.
func (d *DB) Close() error { return d.conn.Close() }
