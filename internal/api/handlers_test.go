package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/poller"
	"github.com/tripwire/fwatch/internal/watcher"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

type fakeTargets struct {
	statuses []poller.Status
	results  []poller.Result
	addErr   error
	added    []poller.Target
	polled   int
}

func (f *fakeTargets) Snapshot() []poller.Status { return f.statuses }

func (f *fakeTargets) Add(t poller.Target) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, t)
	f.statuses = append(f.statuses, poller.Status{
		Name: t.Name, Path: t.Path(), Severity: t.Severity, State: watcher.Absent(),
	})
	return nil
}

func (f *fakeTargets) Remove(name string) bool {
	for i, st := range f.statuses {
		if st.Name == name {
			f.statuses = append(f.statuses[:i], f.statuses[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeTargets) PollNow() []poller.Result {
	f.polled++
	return f.results
}

type fakeEvents struct {
	events []agent.ChangeEvent
	err    error
	gotN   int
}

func (f *fakeEvents) Recent(_ context.Context, n int) ([]agent.ChangeEvent, error) {
	f.gotN = n
	return f.events, f.err
}

type fakeHealth struct{ status agent.HealthStatus }

func (f fakeHealth) Health() agent.HealthStatus { return f.status }

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

var mtime = time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

func newTestRouter(targets *fakeTargets, events EventLog, auth JWTConfig) http.Handler {
	health := fakeHealth{agent.HealthStatus{Status: "ok", EventsTotal: 4}}
	return NewRouter(NewServer(targets, events, health, noopLogger()), auth)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// --------------------------------------------------------------------------
// /healthz
// --------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	h := newTestRouter(&fakeTargets{}, nil, JWTConfig{})
	rec := do(t, h, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	got := decode[agent.HealthStatus](t, rec)
	if got.Status != "ok" || got.EventsTotal != 4 {
		t.Errorf("body = %+v", got)
	}
}

// --------------------------------------------------------------------------
// /api/v1/targets
// --------------------------------------------------------------------------

func TestListTargets(t *testing.T) {
	targets := &fakeTargets{statuses: []poller.Status{
		{Name: "passwd", Path: "/etc/passwd", Severity: "CRITICAL", State: watcher.Present(mtime)},
	}}
	rec := do(t, newTestRouter(targets, nil, JWTConfig{}), http.MethodGet, "/api/v1/targets", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[[]poller.Status](t, rec)
	if len(got) != 1 || got[0].Name != "passwd" || !got[0].State.Equal(watcher.Present(mtime)) {
		t.Errorf("body = %+v", got)
	}
}

func TestAddTarget(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		addErr   error
		wantCode int
	}{
		{"created", `{"name":"hosts","path":"/etc/hosts","severity":"WARN"}`, nil, http.StatusCreated},
		{"default severity", `{"name":"hosts","path":"/etc/hosts"}`, nil, http.StatusCreated},
		{"invalid json", `{"name":`, nil, http.StatusBadRequest},
		{"unknown field", `{"name":"a","path":"/a","color":"red"}`, nil, http.StatusBadRequest},
		{"missing name", `{"path":"/etc/hosts"}`, nil, http.StatusBadRequest},
		{"missing path", `{"name":"hosts"}`, nil, http.StatusBadRequest},
		{"bad severity", `{"name":"hosts","path":"/etc/hosts","severity":"LOUD"}`, nil, http.StatusBadRequest},
		{"duplicate", `{"name":"hosts","path":"/etc/hosts"}`, poller.ErrDuplicateTarget, http.StatusConflict},
		{"internal", `{"name":"hosts","path":"/etc/hosts"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			targets := &fakeTargets{addErr: tc.addErr}
			rec := do(t, newTestRouter(targets, nil, JWTConfig{}), http.MethodPost, "/api/v1/targets", tc.body)

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantCode != http.StatusCreated {
				if body := decode[map[string]string](t, rec); body["error"] == "" {
					t.Errorf("error body = %s, want an error message", rec.Body.String())
				}
				return
			}
			if len(targets.added) != 1 {
				t.Fatalf("Add called %d times, want 1", len(targets.added))
			}
			got := decode[poller.Status](t, rec)
			if got.Name != "hosts" || got.Path != "/etc/hosts" {
				t.Errorf("body = %+v", got)
			}
			if tc.name == "default severity" && got.Severity != "INFO" {
				t.Errorf("Severity = %q, want INFO", got.Severity)
			}
		})
	}
}

func TestRemoveTarget(t *testing.T) {
	targets := &fakeTargets{statuses: []poller.Status{{Name: "passwd"}}}
	h := newTestRouter(targets, nil, JWTConfig{})

	if rec := do(t, h, http.MethodDelete, "/api/v1/targets/passwd", ""); rec.Code != http.StatusNoContent {
		t.Errorf("first DELETE status = %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/targets/passwd", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", rec.Code)
	}
}

// --------------------------------------------------------------------------
// /api/v1/poll
// --------------------------------------------------------------------------

func TestPoll(t *testing.T) {
	targets := &fakeTargets{results: []poller.Result{
		{Status: poller.Status{Name: "a", State: watcher.Absent()}, Transition: watcher.Deleted},
		{Status: poller.Status{Name: "b", State: watcher.Present(mtime)}, Transition: watcher.None},
	}}
	rec := do(t, newTestRouter(targets, nil, JWTConfig{}), http.MethodPost, "/api/v1/poll", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if targets.polled != 1 {
		t.Errorf("PollNow called %d times, want 1", targets.polled)
	}
	got := decode[[]map[string]any](t, rec)
	if len(got) != 2 || got[0]["transition"] != "deleted" || got[1]["transition"] != "none" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// --------------------------------------------------------------------------
// /api/v1/events
// --------------------------------------------------------------------------

func TestRecentEvents(t *testing.T) {
	events := &fakeEvents{events: []agent.ChangeEvent{
		{ID: "e2", Target: "a", Transition: watcher.Modified, State: watcher.Present(mtime)},
	}}
	h := newTestRouter(&fakeTargets{}, events, JWTConfig{})

	rec := do(t, h, http.MethodGet, "/api/v1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if events.gotN != defaultEventLimit {
		t.Errorf("limit = %d, want %d", events.gotN, defaultEventLimit)
	}
	if got := decode[[]agent.ChangeEvent](t, rec); len(got) != 1 || got[0].ID != "e2" {
		t.Errorf("body = %+v", got)
	}

	do(t, h, http.MethodGet, "/api/v1/events?limit=5000", "")
	if events.gotN != maxEventLimit {
		t.Errorf("limit = %d, want capped at %d", events.gotN, maxEventLimit)
	}

	for _, bad := range []string{"0", "-1", "ten"} {
		if rec := do(t, h, http.MethodGet, "/api/v1/events?limit="+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, rec.Code)
		}
	}

	events.err = errors.New("disk I/O error")
	if rec := do(t, h, http.MethodGet, "/api/v1/events", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status on error = %d, want 500", rec.Code)
	}
}

func TestRecentEvents_NoQueue(t *testing.T) {
	rec := do(t, newTestRouter(&fakeTargets{}, nil, JWTConfig{}), http.MethodGet, "/api/v1/events", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

func TestRouter_AuthEnforcedOnAPIOnly(t *testing.T) {
	priv, pub := generateTestKey(t)
	h := newTestRouter(&fakeTargets{}, &fakeEvents{}, JWTConfig{PublicKey: pub, Logger: noopLogger()})

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200 without a token", rec.Code)
	}

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/targets"},
		{http.MethodPost, "/api/v1/targets"},
		{http.MethodDelete, "/api/v1/targets/x"},
		{http.MethodPost, "/api/v1/poll"},
		{http.MethodGet, "/api/v1/events"},
	}
	for _, rt := range routes {
		rec := do(t, h, rt.method, rt.path, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", rt.method, rt.path, rec.Code)
		}
		if body := decode[map[string]string](t, rec); body["error"] != "unauthorized" {
			t.Errorf("%s %s body = %v", rt.method, rt.path, body)
		}
	}

	token := signToken(t, jwt.SigningMethodRS256, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authorised status = %d, want 200", rec.Code)
	}
}

func TestEventStreamRoute(t *testing.T) {
	targets := &fakeTargets{}
	health := fakeHealth{agent.HealthStatus{Status: "ok"}}

	without := NewRouter(NewServer(targets, nil, health, noopLogger()), JWTConfig{})
	if rec := do(t, without, http.MethodGet, "/api/v1/events/stream", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status without stream = %d, want 404", rec.Code)
	}

	stream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	with := NewRouter(NewServer(targets, nil, health, noopLogger(), WithStream(stream)), JWTConfig{})
	if rec := do(t, with, http.MethodGet, "/api/v1/events/stream", ""); rec.Code != http.StatusTeapot {
		t.Errorf("status with stream = %d, want 418", rec.Code)
	}
}
