// Package agent contains the fwatch orchestrator. It fans in change events
// from one or more pollers, persists them to the local queue, hands them to
// the configured sinks (audit log, PostgreSQL recorder) and keeps the
// counters reported by the health endpoint.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/fwatch/internal/config"
	"github.com/tripwire/fwatch/internal/watcher"
)

// ChangeEvent is a single non-None transition observed for a named target.
type ChangeEvent struct {
	// ID uniquely identifies the event across queue, audit log and storage.
	ID string `json:"id"`
	// Target is the configured name of the watched target.
	Target string `json:"target"`
	// Path is the filesystem path of the target, verbatim.
	Path string `json:"path"`
	// Severity is one of "INFO", "WARN" or "CRITICAL".
	Severity string `json:"severity"`
	// Transition is Created, Modified or Deleted.
	Transition watcher.Transition `json:"transition"`
	// State is the state probed during the poll that produced the event.
	State watcher.State `json:"state"`
	// Timestamp is when the poll observed the transition.
	Timestamp time.Time `json:"timestamp"`
}

// Source produces change events. Implementations must be safe for
// concurrent use.
type Source interface {
	// Start begins polling. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop ceases polling and blocks until internal goroutines have exited.
	Stop()
	// Events returns the channel of change events. It is closed by Stop.
	Events() <-chan ChangeEvent
}

// Queue is the durable local event queue.
type Queue interface {
	// Enqueue persists an event for at-least-once delivery.
	Enqueue(ctx context.Context, evt ChangeEvent) error
	// Depth returns the number of pending (unacknowledged) events.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Sink receives every change event after it has been queued.
type Sink interface {
	Record(ctx context.Context, evt ChangeEvent) error
	Close() error
}

// ErrAlreadyRunning is returned by Start when the agent is already running.
var ErrAlreadyRunning = errors.New("agent: already running")

// Agent supervises the registered sources, queue and sinks.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	sources []Source
	queue   Queue
	sinks   []Sink

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	running     bool
	lastEventAt time.Time
	total       int64
	counts      map[watcher.Transition]int64
	sinkErrors  int64
	wg          sync.WaitGroup
}

// New creates an Agent. Sources, queue and sinks are all optional and are
// provided via WithSources, WithQueue and WithSinks.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
		counts: make(map[watcher.Transition]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithSources registers one or more event sources.
func WithSources(ss ...Source) Option {
	return func(a *Agent) {
		a.sources = append(a.sources, ss...)
	}
}

// WithQueue registers the local event queue.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithSinks registers sinks that receive every event after it is queued.
func WithSinks(ss ...Sink) Option {
	return func(a *Agent) {
		a.sinks = append(a.sinks, ss...)
	}
}

// Start starts every source and one fan-in goroutine per source. If a
// source fails to start, the sources already started are stopped again.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting fwatch agent",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Duration("poll_interval", a.cfg.PollInterval),
		slog.Int("num_targets", len(a.cfg.Targets)),
		slog.Int("num_sinks", len(a.sinks)),
	)

	for i, s := range a.sources {
		if err := s.Start(ctx); err != nil {
			cancel()
			for _, started := range a.sources[:i] {
				started.Stop()
			}
			a.wg.Wait()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("agent: source[%d] failed to start: %w", i, err)
		}
		a.wg.Add(1)
		go a.processEvents(ctx, s)
	}

	a.logger.Info("fwatch agent started")
	return nil
}

// Stop stops all sources, waits for the fan-in goroutines and closes the
// queue and sinks. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	for _, s := range a.sources {
		s.Stop()
	}
	a.wg.Wait()

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing event queue", slog.Any("error", err))
		}
	}
	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			a.logger.Warn("error closing sink", slog.Any("error", err))
		}
	}

	a.logger.Info("fwatch agent stopped")
}

// processEvents drains s until its channel closes. Cancelling ctx does not
// end the loop; events already emitted are still delivered, and Source.Stop
// closes the channel.
func (a *Agent) processEvents(ctx context.Context, s Source) {
	defer a.wg.Done()

	ctx = context.WithoutCancel(ctx)
	for evt := range s.Events() {
		a.handleEvent(ctx, evt)
	}
}

// handleEvent updates the counters, queues the event and fans it out to the
// sinks. Failures are logged and counted but never stop the agent.
func (a *Agent) handleEvent(ctx context.Context, evt ChangeEvent) {
	a.mu.Lock()
	a.lastEventAt = evt.Timestamp
	a.total++
	a.counts[evt.Transition]++
	a.mu.Unlock()

	a.logger.Info("change event received",
		slog.String("target", evt.Target),
		slog.String("path", evt.Path),
		slog.String("transition", evt.Transition.String()),
		slog.String("severity", evt.Severity),
	)

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, evt); err != nil {
			a.logger.Warn("failed to enqueue change event", slog.Any("error", err))
		}
	}

	for _, s := range a.sinks {
		if err := s.Record(ctx, evt); err != nil {
			a.mu.Lock()
			a.sinkErrors++
			a.mu.Unlock()
			a.logger.Warn("failed to record change event", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string           `json:"status"`
	UptimeS     float64          `json:"uptime_s"`
	QueueDepth  int              `json:"queue_depth"`
	EventsTotal int64            `json:"events_total"`
	Transitions map[string]int64 `json:"transitions"`
	SinkErrors  int64            `json:"sink_errors"`
	LastEventAt string           `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the agent's health state. Status is "ok"
// while running and "stopped" otherwise.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:      "stopped",
		EventsTotal: a.total,
		SinkErrors:  a.sinkErrors,
		Transitions: make(map[string]int64, len(a.counts)),
	}
	if a.running {
		h.Status = "ok"
		h.UptimeS = time.Since(a.startTime).Seconds()
	}
	for tr, n := range a.counts {
		h.Transitions[tr.String()] = n
	}
	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}
	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}
