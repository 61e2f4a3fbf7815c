// Package watcher is a polling filesystem change detector. A Watcher holds an
// ordered set of targets together with the last state observed for each, and
// Watch compares every target's present state with the remembered one,
// reporting a Transition per target.
//
// The Watcher is passive: it starts no goroutines, delivers no events and
// never blocks except for the stat calls issued while probing. Scheduling is
// left to the caller (see package poller for a ticker-driven layer). A Watcher
// is not safe for concurrent use; callers sharing one must synchronise.
package watcher

// entry pairs a target with its last observed state, so targets and states
// can never get out of step.
type entry struct {
	target Target
	state  State
}

// Watcher is a registry of targets and their last observed states. The zero
// value is an empty Watcher that probes with os.Stat.
type Watcher struct {
	entries []entry
	prober  *Prober
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithProber makes the Watcher probe paths with p instead of os.Stat.
func WithProber(p *Prober) Option {
	return func(w *Watcher) { w.prober = p }
}

// New returns an empty Watcher.
func New(opts ...Option) *Watcher {
	w := &Watcher{}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) probe(path string) State {
	if w.prober == nil {
		return Probe(path)
	}
	return w.prober.Probe(path)
}

// AddTarget probes t immediately and appends it, with that initial state, at
// index Len()-1. Existing indices are unchanged.
func (w *Watcher) AddTarget(t Target) {
	w.entries = append(w.entries, entry{target: t, state: w.probe(t.Path())})
}

// RemoveTarget drops the target and state at index i. Entries above i shift
// down by one. It returns false, leaving the Watcher untouched, when i is not
// in [0, Len()).
func (w *Watcher) RemoveTarget(i int) bool {
	if i < 0 || i >= len(w.entries) {
		return false
	}
	copy(w.entries[i:], w.entries[i+1:])
	w.entries[len(w.entries)-1] = entry{}
	w.entries = w.entries[:len(w.entries)-1]
	return true
}

// State returns the state stored for index i by the latest AddTarget or Watch.
// It does not probe.
func (w *Watcher) State(i int) (State, bool) {
	if i < 0 || i >= len(w.entries) {
		return State{}, false
	}
	return w.entries[i].state, true
}

// Path returns the path of the target at index i.
func (w *Watcher) Path(i int) (string, bool) {
	if i < 0 || i >= len(w.entries) {
		return "", false
	}
	return w.entries[i].target.Path(), true
}

// Target returns the target registered at index i.
func (w *Watcher) Target(i int) (Target, bool) {
	if i < 0 || i >= len(w.entries) {
		return nil, false
	}
	return w.entries[i].target, true
}

// Len returns the number of registered targets.
func (w *Watcher) Len() int { return len(w.entries) }

// Watch runs one poll. Targets are probed in index order; each probed state
// replaces the stored one and the resulting transition is placed at the same
// index of the returned slice, whose length is always Len().
func (w *Watcher) Watch() []Transition {
	result := make([]Transition, len(w.entries))
	for i := range w.entries {
		e := &w.entries[i]
		current := w.probe(e.target.Path())
		result[i] = Diff(e.state, current)
		e.state = current
	}
	return result
}
