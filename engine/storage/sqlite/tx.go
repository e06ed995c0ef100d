package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/storage"
)

type tx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (t *tx) GetCollection(ctx context.Context, path string) (*storage.Collection, error) {
	path = storage.Normalize(path)
	var payload string
	err := t.tx.QueryRowContext(ctx, `SELECT payload FROM collections WHERE path = ?`, path).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(path, "collection not found")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get collection: %w", err)
	}
	return decodeCollection(payload)
}

func decodeCollection(payload string) (*storage.Collection, error) {
	var c storage.Collection
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("storage: decode collection: %w", err)
	}
	return &c, nil
}

func (t *tx) AddCollection(ctx context.Context, col *storage.Collection) error {
	c := col.Clone()
	c.Path = storage.Normalize(c.Path)
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: encode collection: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO collections (path, parent_path, lastmod_ts, lastmod_seq, tombstoned, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.Path, c.ParentPath, c.Lastmod.Timestamp, c.Lastmod.Sequence, boolInt(c.Tombstoned), string(payload))
	if err != nil {
		return fmt.Errorf("storage: add collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Structural(apperr.DuplicatePath, c.Path, "collection already exists")
	}
	return nil
}

func (t *tx) UpdateCollection(ctx context.Context, col *storage.Collection, expect storage.Lastmod) error {
	c := col.Clone()
	c.Path = storage.Normalize(c.Path)
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: encode collection: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE collections
		SET parent_path = ?, lastmod_ts = ?, lastmod_seq = ?, tombstoned = ?, payload = ?
		WHERE path = ? AND lastmod_ts = ? AND lastmod_seq = ?
	`, c.ParentPath, c.Lastmod.Timestamp, c.Lastmod.Sequence, boolInt(c.Tombstoned), string(payload),
		c.Path, expect.Timestamp, expect.Sequence)
	if err != nil {
		return fmt.Errorf("storage: update collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetCollection(ctx, c.Path); err != nil {
			return err
		}
		return apperr.Conflict(c.Path, "collection modified concurrently")
	}
	return nil
}

func (t *tx) DeleteCollection(ctx context.Context, path string) error {
	path = storage.Normalize(path)
	res, err := t.tx.ExecContext(ctx, `DELETE FROM collections WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("storage: delete collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(path, "collection not found")
	}
	return nil
}

func (t *tx) GetChildCollections(ctx context.Context, path string) ([]*storage.Collection, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT payload FROM collections WHERE parent_path = ? AND path <> ? ORDER BY path`,
		storage.Normalize(path), storage.Normalize(path))
	if err != nil {
		return nil, fmt.Errorf("storage: child collections: %w", err)
	}
	defer rows.Close()

	var out []*storage.Collection
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		c, err := decodeCollection(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *tx) GetSynchInfo(ctx context.Context, path, token string) (storage.SynchInfo, error) {
	var lm storage.Lastmod
	err := t.tx.QueryRowContext(ctx,
		`SELECT lastmod_ts, lastmod_seq FROM collections WHERE path = ?`,
		storage.Normalize(path)).Scan(&lm.Timestamp, &lm.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SynchInfo{Changed: true}, nil
	}
	if err != nil {
		return storage.SynchInfo{}, fmt.Errorf("storage: synch info: %w", err)
	}
	cur := lm.Tag()
	return storage.SynchInfo{Exists: true, Changed: cur != token, Token: cur}, nil
}

func eventKey(colPath, name, rid string) string {
	k := storage.Join(colPath, name)
	if rid != "" {
		k += "#" + rid
	}
	return k
}

func decodeEvent(payload string) (*storage.Event, error) {
	var e storage.Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("storage: decode event: %w", err)
	}
	return &e, nil
}

func (t *tx) GetEvent(ctx context.Context, colPath, name, rid string) (*storage.Event, error) {
	var payload string
	err := t.tx.QueryRowContext(ctx, `SELECT payload FROM events WHERE key = ?`,
		eventKey(colPath, name, rid)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(colPath, "event not found").WithName(name)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get event: %w", err)
	}
	return decodeEvent(payload)
}

func (t *tx) queryEvents(ctx context.Context, where string, args ...any) ([]*storage.Event, error) {
	q := `SELECT payload FROM events`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY key`
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer rows.Close()

	var out []*storage.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) FindEvents(ctx context.Context, colPath, uid string) ([]*storage.Event, error) {
	return t.queryEvents(ctx, `col_path = ? AND uid = ?`, storage.Normalize(colPath), uid)
}

func (t *tx) EventsByName(ctx context.Context, colPath, name string) ([]*storage.Event, error) {
	return t.queryEvents(ctx, `col_path = ? AND name = ?`, storage.Normalize(colPath), name)
}

// QueryEvents narrows by the indexed columns in SQL and applies the rest of
// the filter in Go.
func (t *tx) QueryEvents(ctx context.Context, f *storage.EventFilter) ([]*storage.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f != nil {
		if len(f.Collections) > 0 {
			conds = append(conds, `col_path IN (?`+strings.Repeat(`, ?`, len(f.Collections)-1)+`)`)
			for _, c := range f.Collections {
				args = append(args, storage.Normalize(c))
			}
		}
		if f.UID != "" {
			conds = append(conds, `uid = ?`)
			args = append(args, f.UID)
		}
		if f.Name != "" {
			conds = append(conds, `name = ?`)
			args = append(args, f.Name)
		}
		if f.MastersOnly {
			conds = append(conds, `recurrence_id = ''`)
		}
		switch f.Deleted {
		case storage.DeletedExclude:
			conds = append(conds, `tombstoned = 0`)
		case storage.DeletedOnly:
			conds = append(conds, `tombstoned = 1`)
		}
	}
	rows, err := t.queryEvents(ctx, strings.Join(conds, ` AND `), args...)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, e := range rows {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) AddEvent(ctx context.Context, ev *storage.Event) error {
	e := ev.Clone()
	e.ColPath = storage.Normalize(e.ColPath)
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (key, col_path, name, uid, recurrence_id, lastmod_ts, lastmod_seq, tombstoned, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Key(), e.ColPath, e.Name, e.UID, e.RecurrenceID,
		e.Lastmod.Timestamp, e.Lastmod.Sequence, boolInt(e.Tombstoned), string(payload))
	if err != nil {
		return fmt.Errorf("storage: add event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Structural(apperr.DuplicateName, e.ColPath, "event already exists").WithName(e.Name)
	}
	return nil
}

func (t *tx) UpdateEvent(ctx context.Context, ev *storage.Event, expect storage.Lastmod) error {
	e := ev.Clone()
	e.ColPath = storage.Normalize(e.ColPath)
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: encode event: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE events
		SET uid = ?, lastmod_ts = ?, lastmod_seq = ?, tombstoned = ?, payload = ?
		WHERE key = ? AND lastmod_ts = ? AND lastmod_seq = ?
	`, e.UID, e.Lastmod.Timestamp, e.Lastmod.Sequence, boolInt(e.Tombstoned), string(payload),
		e.Key(), expect.Timestamp, expect.Sequence)
	if err != nil {
		return fmt.Errorf("storage: update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetEvent(ctx, e.ColPath, e.Name, e.RecurrenceID); err != nil {
			return err
		}
		return apperr.Conflict(e.ColPath, "event modified concurrently").WithName(e.Name)
	}
	return nil
}

func (t *tx) DeleteEvent(ctx context.Context, colPath, name, rid string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE key = ?`, eventKey(colPath, name, rid))
	if err != nil {
		return fmt.Errorf("storage: delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(colPath, "event not found").WithName(name)
	}
	return nil
}

func (t *tx) PurgeTombstones(ctx context.Context, before time.Time) (storage.PurgeResult, error) {
	cutoff := before.UTC().Format(storage.LastmodLayout)
	var res storage.PurgeResult

	cols, err := t.column(ctx, `SELECT path FROM collections WHERE tombstoned = 1 AND lastmod_ts < ? ORDER BY path`, cutoff)
	if err != nil {
		return res, err
	}
	evs, err := t.column(ctx, `SELECT key FROM events WHERE tombstoned = 1 AND lastmod_ts < ? ORDER BY key`, cutoff)
	if err != nil {
		return res, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM collections WHERE tombstoned = 1 AND lastmod_ts < ?`, cutoff); err != nil {
		return res, fmt.Errorf("storage: purge collections: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM events WHERE tombstoned = 1 AND lastmod_ts < ?`, cutoff); err != nil {
		return res, fmt.Errorf("storage: purge events: %w", err)
	}
	res.Collections, res.Events = cols, evs
	t.logger.Debug("tombstones purged", "collections", len(cols), "events", len(evs))
	return res, nil
}

func (t *tx) column(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return apperr.Invalid("transaction already finished")
		}
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("storage: rollback: %w", err)
	}
	return nil
}
