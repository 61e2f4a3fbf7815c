// Package poller drives a watcher.Watcher on a fixed interval and turns every
// non-None transition into an agent.ChangeEvent. It is the scheduling layer
// that the passive watcher deliberately lacks: the registry is guarded by a
// mutex so that the API can add, remove, inspect and force polls while the
// ticker loop runs.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/fwatch/internal/agent"
	"github.com/tripwire/fwatch/internal/watcher"
)

// DefaultPollInterval is the poll frequency used when none is given.
const DefaultPollInterval = time.Second

// defaultBufferSize is the capacity of the Events channel. A slow consumer
// loses events beyond it rather than stalling the poll loop.
const defaultBufferSize = 64

// ErrDuplicateTarget is returned when a target name is already registered.
var ErrDuplicateTarget = errors.New("poller: duplicate target name")

// Target is a named watcher.Target carrying the severity attached to its
// change events.
type Target struct {
	watcher.BasicTarget
	Name     string
	Severity string
}

// NewTarget returns a Target watching path.
func NewTarget(name, path, severity string) Target {
	return Target{BasicTarget: watcher.NewBasicTarget(path), Name: name, Severity: severity}
}

// Status is the stored view of one registered target.
type Status struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Severity string        `json:"severity"`
	State    watcher.State `json:"state"`
}

// Result is the outcome of one poll for one target.
type Result struct {
	Status
	Transition watcher.Transition `json:"transition"`
}

// Poller runs a watcher.Watcher on a ticker. It implements agent.Source and
// is safe for concurrent use.
type Poller struct {
	logger     *slog.Logger
	interval   time.Duration
	bufferSize int
	prober     *watcher.Prober

	events chan agent.ChangeEvent
	done   chan struct{}

	mu      sync.Mutex
	w       *watcher.Watcher
	stopped bool

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Poller.
type Option func(*Poller)

// WithProber makes the underlying watcher probe with p.
func WithProber(p *watcher.Prober) Option {
	return func(pl *Poller) { pl.prober = p }
}

// WithBufferSize sets the capacity of the Events channel.
func WithBufferSize(n int) Option {
	return func(pl *Poller) { pl.bufferSize = n }
}

// New creates a Poller and registers targets in order; each one is probed
// immediately so that the first poll only reports changes made after New
// returned. A zero or negative interval uses DefaultPollInterval.
func New(targets []Target, logger *slog.Logger, interval time.Duration, opts ...Option) (*Poller, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p := &Poller{
		logger:     logger,
		interval:   interval,
		bufferSize: defaultBufferSize,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufferSize <= 0 {
		p.bufferSize = defaultBufferSize
	}
	p.events = make(chan agent.ChangeEvent, p.bufferSize)

	var wopts []watcher.Option
	if p.prober != nil {
		wopts = append(wopts, watcher.WithProber(p.prober))
	}
	p.w = watcher.New(wopts...)

	for _, t := range targets {
		if err := p.Add(t); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start begins polling in a background goroutine and returns immediately.
// The goroutine exits when ctx is cancelled or Stop is called. Only the
// first call has an effect.
func (p *Poller) Start(ctx context.Context) error {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run(ctx)
	})
	return nil
}

// Stop ends polling, waits for the background goroutine and closes Events.
// It is safe to call Stop multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.mu.Lock()
		p.stopped = true
		close(p.events)
		p.mu.Unlock()
	})
}

// Events returns the channel on which change events are delivered. It is
// closed when Stop returns.
func (p *Poller) Events() <-chan agent.ChangeEvent {
	return p.events
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.PollNow()
		}
	}
}

// PollNow runs one poll synchronously and returns the result for every
// target in registration order. Non-None results are also emitted on Events.
func (p *Poller) PollNow() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	transitions := p.w.Watch()
	now := time.Now().UTC()

	results := make([]Result, len(transitions))
	for i, tr := range transitions {
		results[i] = Result{Status: p.statusAt(i), Transition: tr}
		if tr != watcher.None {
			p.emit(results[i], now)
		}
	}
	return results
}

// Add registers t, probing it immediately.
func (p *Poller) Add(t Target) error {
	if t.Name == "" {
		return errors.New("poller: target name is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexOf(t.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateTarget, t.Name)
	}
	p.w.AddTarget(t)

	st, _ := p.w.State(p.w.Len() - 1)
	p.logger.Debug("poller: target registered",
		slog.String("target", t.Name),
		slog.String("path", t.Path()),
		slog.String("state", st.String()),
	)
	return nil
}

// Remove unregisters the target called name. It reports whether such a
// target existed.
func (p *Poller) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(name)
	if i < 0 {
		return false
	}
	p.logger.Debug("poller: target removed", slog.String("target", name))
	return p.w.RemoveTarget(i)
}

// Snapshot returns the stored state of every target without probing.
func (p *Poller) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, p.w.Len())
	for i := range out {
		out[i] = p.statusAt(i)
	}
	return out
}

// statusAt requires p.mu.
func (p *Poller) statusAt(i int) Status {
	t, _ := p.w.Target(i)
	st, _ := p.w.State(i)
	nt := t.(Target)
	return Status{Name: nt.Name, Path: nt.Path(), Severity: nt.Severity, State: st}
}

// indexOf requires p.mu.
func (p *Poller) indexOf(name string) int {
	for i := 0; i < p.w.Len(); i++ {
		if t, _ := p.w.Target(i); t.(Target).Name == name {
			return i
		}
	}
	return -1
}

// emit requires p.mu. A full channel drops the event with a warning.
func (p *Poller) emit(r Result, now time.Time) {
	if p.stopped {
		return
	}

	evt := agent.ChangeEvent{
		ID:         uuid.NewString(),
		Target:     r.Name,
		Path:       r.Path,
		Severity:   r.Severity,
		Transition: r.Transition,
		State:      r.State,
		Timestamp:  now,
	}

	select {
	case p.events <- evt:
		p.logger.Info("poller: change detected",
			slog.String("target", r.Name),
			slog.String("path", r.Path),
			slog.String("transition", r.Transition.String()),
		)
	default:
		p.logger.Warn("poller: event channel full, dropping event",
			slog.String("target", r.Name),
			slog.String("transition", r.Transition.String()),
		)
	}
}
