//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/storage"
	"github.com/tripwire/fwatch/internal/watcher"
)

// setupDB starts a PostgreSQL container and returns a migrated Recorder plus
// a raw pool for assertions.
func setupDB(t *testing.T, batchSize int, flushInterval time.Duration) (*storage.Recorder, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("fwatch_test"),
		tcpostgres.WithUsername("fwatch"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	rec, err := storage.New(ctx, dsn, batchSize, flushInterval)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	if err := rec.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrate is idempotent.
	if err := rec.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	raw, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("raw pool: %v", err)
	}
	t.Cleanup(raw.Close)
	return rec, raw
}

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func makeEvent(i int, target string, tr watcher.Transition, st watcher.State) agent.ChangeEvent {
	return agent.ChangeEvent{
		ID:         fmt.Sprintf("evt-%03d", i),
		Target:     target,
		Path:       "/srv/" + target,
		Severity:   "WARN",
		Transition: tr,
		State:      st,
		Timestamp:  base.Add(time.Duration(i) * time.Minute),
	}
}

func countRows(t *testing.T, pool *pgxpool.Pool) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM change_events`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestRecorder_FlushAndQuery(t *testing.T) {
	rec, raw := setupDB(t, 100, time.Hour)
	ctx := context.Background()

	events := []agent.ChangeEvent{
		makeEvent(1, "a", watcher.Created, watcher.Present(base.Add(-time.Hour))),
		makeEvent(2, "a", watcher.Modified, watcher.PresentUnknown()),
		makeEvent(3, "b", watcher.Deleted, watcher.Absent()),
	}
	for _, evt := range events {
		if err := rec.Record(ctx, evt); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if n := countRows(t, raw); n != 0 {
		t.Fatalf("rows before Flush = %d, want 0", n)
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := countRows(t, raw); n != 3 {
		t.Fatalf("rows after Flush = %d, want 3", n)
	}

	all, err := rec.Query(ctx, storage.EventQuery{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 || all[0].ID != "evt-003" || all[2].ID != "evt-001" {
		t.Fatalf("Query order = %+v, want newest first", all)
	}
	for i, got := range all {
		want := events[len(events)-1-i]
		if got.Transition != want.Transition || !got.State.Equal(want.State) || !got.Timestamp.Equal(want.Timestamp) {
			t.Errorf("event %s = %+v, want %+v", got.ID, got, want)
		}
	}

	modified := watcher.Modified
	tests := []struct {
		name string
		q    storage.EventQuery
		want []string
	}{
		{"by target", storage.EventQuery{Target: "a"}, []string{"evt-002", "evt-001"}},
		{"by transition", storage.EventQuery{Transition: &modified}, []string{"evt-002"}},
		{"by range", storage.EventQuery{From: base.Add(2 * time.Minute), To: base.Add(3 * time.Minute)}, []string{"evt-002"}},
		{"limit offset", storage.EventQuery{Limit: 1, Offset: 1}, []string{"evt-002"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := rec.Query(ctx, tc.q)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i].ID != tc.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, tc.want[i])
				}
			}
		})
	}
}

func TestRecorder_FlushesWhenBatchFull(t *testing.T) {
	rec, raw := setupDB(t, 2, time.Hour)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := rec.Record(ctx, makeEvent(i, "a", watcher.Created, watcher.Present(base))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if n := countRows(t, raw); n != 2 {
		t.Errorf("rows = %d, want 2 after a full batch", n)
	}
}

func TestRecorder_ReplayIsIdempotent(t *testing.T) {
	rec, raw := setupDB(t, 100, time.Hour)
	ctx := context.Background()

	evt := makeEvent(1, "a", watcher.Created, watcher.Present(base))
	for i := 0; i < 3; i++ {
		if err := rec.Record(ctx, evt); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := countRows(t, raw); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestRecorder_BackgroundFlushAndClose(t *testing.T) {
	rec, raw := setupDB(t, 100, 50*time.Millisecond)
	ctx := context.Background()

	if err := rec.Record(ctx, makeEvent(1, "a", watcher.Created, watcher.Present(base))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for countRows(t, raw) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("background flush did not write the event")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := rec.Record(ctx, makeEvent(2, "a", watcher.Deleted, watcher.Absent())); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := countRows(t, raw); n != 2 {
		t.Errorf("rows after Close = %d, want 2", n)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
