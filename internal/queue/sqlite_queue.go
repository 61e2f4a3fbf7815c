// Package queue persists change events in a WAL-mode SQLite database so that
// they survive a restart of the fwatch process.
//
// Rows are written by Enqueue and stay pending until a consumer calls Ack
// with their IDs, giving at-least-once delivery to whatever drains the queue.
// Recent serves the event listing of the HTTP API and ignores the delivered
// flag.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/watcher"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL,
    target      TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    severity    TEXT    NOT NULL,
    transition  TEXT    NOT NULL,
    exists_now  INTEGER NOT NULL,
    mod_time    TEXT,
    ts          TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_queue_pending
    ON change_queue (delivered, id);
`

const selectColumns = `id, event_id, target, path, severity, transition, exists_now, mod_time, ts`

// SQLiteQueue implements agent.Queue on top of SQLite. It is safe for
// concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// PendingEvent is an unacknowledged row returned by Dequeue. ID is the row
// key to pass to Ack.
type PendingEvent struct {
	ID  int64
	Evt agent.ChangeEvent
}

// New opens or creates the database at path. ":memory:" gives a throwaway
// in-memory database. The pending count is read back from disk so Depth is
// correct straight after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}
	// One writer at a time; this also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue: init %q: %w", firstLine(stmt), err)
		}
	}

	q := &SQLiteQueue{db: db}

	var pending int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_queue WHERE delivered = 0`).Scan(&pending); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(pending)
	return q, nil
}

// Enqueue stores evt as pending. It implements agent.Queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, evt agent.ChangeEvent) error {
	var modTime sql.NullString
	if t, ok := evt.State.ModTime(); ok {
		modTime = sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO change_queue (event_id, target, path, severity, transition, exists_now, mod_time, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.Target,
		evt.Path,
		evt.Severity,
		evt.Transition.String(),
		evt.State.Exists(),
		modTime,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", evt.ID, err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n pending events, oldest first, without marking them
// delivered.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	return q.query(ctx, "dequeue",
		`SELECT `+selectColumns+` FROM change_queue WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
}

// Recent returns up to n events, newest first, whether delivered or not.
func (q *SQLiteQueue) Recent(ctx context.Context, n int) ([]agent.ChangeEvent, error) {
	if n <= 0 {
		return []agent.ChangeEvent{}, nil
	}
	pending, err := q.query(ctx, "recent",
		`SELECT `+selectColumns+` FROM change_queue ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	out := make([]agent.ChangeEvent, len(pending))
	for i, pe := range pending {
		out[i] = pe.Evt
	}
	return out, nil
}

// Ack marks ids as delivered. IDs that are unknown or already acknowledged
// are ignored.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	res, err := q.db.ExecContext(ctx,
		`UPDATE change_queue SET delivered = 1 WHERE delivered = 0 AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending events. It implements agent.Queue.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the database. It implements agent.Queue.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) query(ctx context.Context, op, stmt string, args ...any) ([]PendingEvent, error) {
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}
	defer rows.Close()

	out := []PendingEvent{}
	for rows.Next() {
		pe, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: %s: %w", op, err)
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (PendingEvent, error) {
	var (
		pe         PendingEvent
		transition string
		exists     bool
		modTime    sql.NullString
		ts         string
	)
	if err := rows.Scan(&pe.ID, &pe.Evt.ID, &pe.Evt.Target, &pe.Evt.Path,
		&pe.Evt.Severity, &transition, &exists, &modTime, &ts); err != nil {
		return pe, err
	}

	tr, err := watcher.ParseTransition(transition)
	if err != nil {
		return pe, fmt.Errorf("row %d: %w", pe.ID, err)
	}
	pe.Evt.Transition = tr

	switch {
	case !exists:
		pe.Evt.State = watcher.Absent()
	case modTime.Valid:
		t, err := time.Parse(time.RFC3339Nano, modTime.String)
		if err != nil {
			return pe, fmt.Errorf("row %d: mod_time: %w", pe.ID, err)
		}
		pe.Evt.State = watcher.Present(t)
	default:
		pe.Evt.State = watcher.PresentUnknown()
	}

	if pe.Evt.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return pe, fmt.Errorf("row %d: ts: %w", pe.ID, err)
	}
	return pe, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
