// Package storage records change events in PostgreSQL for long-term history
// and ad-hoc querying. Inserts are buffered and written in batches.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/watcher"
)

const (
	// DefaultBatchSize is the number of buffered events that triggers an
	// immediate flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered events are flushed when the
	// batch is not yet full.
	DefaultFlushInterval = time.Second

	// DefaultQueryLimit caps Query results when EventQuery.Limit is unset.
	DefaultQueryLimit = 100

	closeFlushTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS change_events (
    event_id    TEXT        PRIMARY KEY,
    target      TEXT        NOT NULL,
    path        TEXT        NOT NULL,
    severity    TEXT        NOT NULL,
    transition  TEXT        NOT NULL,
    exists_now  BOOLEAN     NOT NULL,
    mod_time    TIMESTAMPTZ,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_events_observed
    ON change_events (observed_at DESC);
CREATE INDEX IF NOT EXISTS idx_change_events_target
    ON change_events (target, observed_at DESC);
`

const insertEvent = `
INSERT INTO change_events
    (event_id, target, path, severity, transition, exists_now, mod_time, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING`

// EventQuery filters Query. Zero values mean "no filter"; To is exclusive.
type EventQuery struct {
	Target     string
	Transition *watcher.Transition
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Recorder buffers change events and writes them to PostgreSQL. It
// implements agent.Sink and is safe for concurrent use.
type Recorder struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	batch     []agent.ChangeEvent
	batchSize int

	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// New connects to dsn, checks the connection and starts the background
// flusher. Non-positive batchSize and flushInterval use the defaults.
func New(ctx context.Context, dsn string, batchSize int, flushInterval time.Duration) (*Recorder, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	r := &Recorder{
		pool:          pool,
		batch:         make([]agent.ChangeEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go r.flushLoop()
	return r, nil
}

// Migrate creates the change_events table and its indexes if missing.
func (r *Recorder) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// Record buffers evt. When the buffer reaches the batch size it is flushed
// before Record returns. It implements agent.Sink.
func (r *Recorder) Record(ctx context.Context, evt agent.ChangeEvent) error {
	r.mu.Lock()
	r.batch = append(r.batch, evt)
	full := len(r.batch) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered event in one batch round-trip. Events already
// stored under the same ID are skipped, so replaying is harmless.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.batch
	r.batch = make([]agent.ChangeEvent, 0, r.batchSize)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, evt := range pending {
		var modTime *time.Time
		if t, ok := evt.State.ModTime(); ok {
			modTime = &t
		}
		b.Queue(insertEvent,
			evt.ID, evt.Target, evt.Path, evt.Severity,
			evt.Transition.String(), evt.State.Exists(), modTime, evt.Timestamp,
		)
	}

	br := r.pool.SendBatch(ctx, b)
	defer br.Close()

	for _, evt := range pending {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: insert event %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Query returns stored events matching q, newest first.
func (r *Recorder) Query(ctx context.Context, q EventQuery) ([]agent.ChangeEvent, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}

	var (
		conds []string
		args  []any
	)
	where := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Target != "" {
		where("target = $%d", q.Target)
	}
	if q.Transition != nil {
		where("transition = $%d", q.Transition.String())
	}
	if !q.From.IsZero() {
		where("observed_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		where("observed_at < $%d", q.To)
	}

	sql := `SELECT event_id, target, path, severity, transition, exists_now, mod_time, observed_at
	        FROM change_events`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, q.Limit, q.Offset)
	sql += fmt.Sprintf(" ORDER BY observed_at DESC, event_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("storage: scan events: %w", err)
	}
	return events, nil
}

// Close stops the background flusher, writes whatever is still buffered and
// closes the pool. Later calls return nil.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		err = r.Flush(ctx)
		r.pool.Close()
	})
	return err
}

func (r *Recorder) flushLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			_ = r.Flush(context.Background())
		}
	}
}

func scanEvent(row pgx.CollectableRow) (agent.ChangeEvent, error) {
	var (
		evt        agent.ChangeEvent
		transition string
		exists     bool
		modTime    *time.Time
	)
	if err := row.Scan(&evt.ID, &evt.Target, &evt.Path, &evt.Severity,
		&transition, &exists, &modTime, &evt.Timestamp); err != nil {
		return evt, err
	}

	tr, err := watcher.ParseTransition(transition)
	if err != nil {
		return evt, err
	}
	evt.Transition = tr

	switch {
	case !exists:
		evt.State = watcher.Absent()
	case modTime != nil:
		evt.State = watcher.Present(*modTime)
	default:
		evt.State = watcher.PresentUnknown()
	}
	return evt, nil
}
