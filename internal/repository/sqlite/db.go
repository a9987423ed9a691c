// Package sqlite contains an embedded SQLite implementation of the pending store
// for single-node deployments without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/and161185/goph-relay/internal/migrate"
)

// DB wraps the database handle shared by repositories.
type DB struct{ conn *sql.DB }

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := migrate.UpSQLite(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// Close closes the database.
func (db *DB) Close() error { return db.conn.Close() }
