// Package sqlite provides a SQLite-backed index.Indexer using LIKE matching.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/index"
	"github.com/cyp0633/calcore/engine/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS docs (
	doc_type      TEXT NOT NULL,
	href          TEXT NOT NULL,
	parent_path   TEXT NOT NULL DEFAULT '',
	owner         TEXT NOT NULL DEFAULT '',
	uid           TEXT NOT NULL DEFAULT '',
	recurrence_id TEXT NOT NULL DEFAULT '',
	entity_type   TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	categories    TEXT NOT NULL DEFAULT '[]',
	start_at      DATETIME,
	end_at        DATETIME,
	lastmod       TEXT NOT NULL DEFAULT '',
	deleted       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (doc_type, href)
);

CREATE INDEX IF NOT EXISTS idx_docs_parent ON docs(parent_path);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Option represents a configuration option for the DB
type Option func(*DB)

// WithLogger sets the logger for the index
func WithLogger(logger *slog.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

var _ index.Indexer = (*DB)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	db := &DB{conn: conn, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// IndexEntity upserts doc. SQLite writes are visible on return, so wait
// only affects logging.
func (db *DB) IndexEntity(ctx context.Context, doc index.Doc, wait, forTouch bool) error {
	cats, _ := json.Marshal(doc.Categories)
	deleted := 0
	if doc.Deleted {
		deleted = 1
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO docs (doc_type, href, parent_path, owner, uid, recurrence_id, entity_type,
			summary, description, location, categories, start_at, end_at, lastmod, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_type, href) DO UPDATE SET
			parent_path   = excluded.parent_path,
			owner         = excluded.owner,
			uid           = excluded.uid,
			recurrence_id = excluded.recurrence_id,
			entity_type   = excluded.entity_type,
			summary       = excluded.summary,
			description   = excluded.description,
			location      = excluded.location,
			categories    = excluded.categories,
			start_at      = excluded.start_at,
			end_at        = excluded.end_at,
			lastmod       = excluded.lastmod,
			deleted       = excluded.deleted
	`, string(doc.Type), doc.Href, doc.ParentPath, doc.Owner, doc.UID, doc.RecurrenceID, doc.EntityType,
		doc.Summary, doc.Description, doc.Location, string(cats), nullTime(doc.Start), nullTime(doc.End),
		doc.Lastmod, deleted)
	if err != nil {
		return fmt.Errorf("index: upsert doc: %w", err)
	}
	db.logger.Debug("document indexed", "type", doc.Type, "href", doc.Href, "wait", wait, "touch", forTouch)
	return nil
}

// UnindexEntity removes a document; removing a missing one is not an error.
func (db *DB) UnindexEntity(ctx context.Context, docType index.DocType, href string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM docs WHERE doc_type = ? AND href = ?`, string(docType), href); err != nil {
		return fmt.Errorf("index: delete doc: %w", err)
	}
	return nil
}

const docColumns = `doc_type, href, parent_path, owner, uid, recurrence_id, entity_type,
	summary, description, location, categories, start_at, end_at, lastmod, deleted`

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(s scanner) (index.Doc, error) {
	var (
		d          index.Doc
		docType    string
		cats       string
		start, end sql.NullTime
		deleted    int
	)
	err := s.Scan(&docType, &d.Href, &d.ParentPath, &d.Owner, &d.UID, &d.RecurrenceID, &d.EntityType,
		&d.Summary, &d.Description, &d.Location, &cats, &start, &end, &d.Lastmod, &deleted)
	if err != nil {
		return d, err
	}
	d.Type = index.DocType(docType)
	_ = json.Unmarshal([]byte(cats), &d.Categories)
	if start.Valid {
		d.Start = start.Time.UTC()
	}
	if end.Valid {
		d.End = end.Time.UTC()
	}
	d.Deleted = deleted != 0
	return d, nil
}

func (db *DB) Fetch(ctx context.Context, docType index.DocType, href string) (*index.Doc, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM docs WHERE doc_type = ? AND href = ?`, string(docType), href)
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(href, "document not indexed")
	}
	if err != nil {
		return nil, fmt.Errorf("index: fetch: %w", err)
	}
	return &d, nil
}

func (db *DB) FetchChildren(ctx context.Context, parentPath string) ([]index.Doc, error) {
	return db.query(ctx, `SELECT `+docColumns+` FROM docs WHERE parent_path = ? ORDER BY href`,
		storage.Normalize(parentPath))
}

func (db *DB) query(ctx context.Context, q string, args ...any) ([]index.Doc, error) {
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()
	var out []index.Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Search runs q with LIKE matching on the text columns.
func (db *DB) Search(ctx context.Context, q index.Query) (index.SearchResult, error) {
	var (
		conds []string
		args  []any
	)
	if q.Text != "" {
		like := "%" + q.Text + "%"
		conds = append(conds, `(summary LIKE ? OR description LIKE ? OR location LIKE ? OR categories LIKE ?)`)
		args = append(args, like, like, like, like)
	}
	if len(q.Types) > 0 {
		conds = append(conds, `doc_type IN (?`+strings.Repeat(`, ?`, len(q.Types)-1)+`)`)
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Paths) > 0 {
		var ors []string
		for _, p := range q.Paths {
			p = storage.Normalize(p)
			ors = append(ors, `(parent_path = ? OR parent_path LIKE ? OR href = ?)`)
			args = append(args, p, strings.TrimSuffix(p, "/")+"/%", p)
		}
		conds = append(conds, `(`+strings.Join(ors, ` OR `)+`)`)
	}
	if tr := q.TimeRange; tr != nil {
		if tr.End != nil {
			conds = append(conds, `(start_at IS NULL OR start_at < ?)`)
			args = append(args, tr.End.UTC())
		}
		if tr.Start != nil {
			conds = append(conds, `(end_at IS NULL OR end_at > ? OR (end_at = start_at AND start_at >= ?))`)
			args = append(args, tr.Start.UTC(), tr.Start.UTC())
		}
	}
	switch q.Deleted {
	case storage.DeletedExclude:
		conds = append(conds, `deleted = 0`)
	case storage.DeletedOnly:
		conds = append(conds, `deleted = 1`)
	}

	where := ""
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, ` AND `)
	}

	var res index.SearchResult
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM docs`+where, args...).Scan(&res.Total); err != nil {
		return res, fmt.Errorf("index: count: %w", err)
	}

	order := ` ORDER BY href`
	if q.Sort == index.SortStart {
		order = ` ORDER BY start_at IS NULL, start_at, href`
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	page := append(args, limit, q.Offset)
	entries, err := db.query(ctx, `SELECT `+docColumns+` FROM docs`+where+order+` LIMIT ? OFFSET ?`, page...)
	if err != nil {
		return res, err
	}
	res.Entries = entries
	return res, nil
}
