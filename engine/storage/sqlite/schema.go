// Package sqlite is a storage.Store backed by SQLite. Key columns are kept
// alongside a JSON payload of the full record.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cyp0633/calcore/engine/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
	path        TEXT PRIMARY KEY,
	parent_path TEXT NOT NULL DEFAULT '',
	lastmod_ts  TEXT NOT NULL DEFAULT '',
	lastmod_seq INTEGER NOT NULL DEFAULT 0,
	tombstoned  INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	key           TEXT PRIMARY KEY,
	col_path      TEXT NOT NULL,
	name          TEXT NOT NULL,
	uid           TEXT NOT NULL,
	recurrence_id TEXT NOT NULL DEFAULT '',
	lastmod_ts    TEXT NOT NULL DEFAULT '',
	lastmod_seq   INTEGER NOT NULL DEFAULT 0,
	tombstoned    INTEGER NOT NULL DEFAULT 0,
	payload       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_collections_parent ON collections(parent_path);
CREATE INDEX IF NOT EXISTS idx_events_col_uid ON events(col_path, uid);
CREATE INDEX IF NOT EXISTS idx_events_col_name ON events(col_path, name);
`

// Store wraps a sql.DB.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Option represents a configuration option for the Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, opts ...Option) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	s := &Store{
		conn:   conn,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Begin starts a database transaction.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	t, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	return &tx{tx: t, logger: s.logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
