package watcher

// Target is anything the Watcher can observe. Path must return the same value
// for the lifetime of the target; the Watcher relies on that to keep a stored
// State meaningful between polls.
type Target interface {
	Path() string
}

// BasicTarget is the built-in Target. It holds a path verbatim: no cleaning,
// no symlink resolution and no conversion to an absolute path is performed,
// so "logs" and "logs/" are two distinct targets.
type BasicTarget struct {
	path string
}

// NewBasicTarget returns a BasicTarget observing path.
func NewBasicTarget(path string) BasicTarget {
	return BasicTarget{path: path}
}

// Path implements Target.
func (t BasicTarget) Path() string { return t.path }
