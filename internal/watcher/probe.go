package watcher

import (
	"io/fs"
	"os"
)

// StatFunc returns filesystem metadata for a path. os.Stat is the default,
// which follows symbolic links.
type StatFunc func(path string) (fs.FileInfo, error)

// Prober reduces the live filesystem facts of a path to a State. It never
// reports an error: every failure collapses into Absent or PresentUnknown,
// which keeps Watcher.Watch total.
type Prober struct {
	stat StatFunc
}

// NewProber returns a Prober backed by stat. A nil stat uses os.Stat.
func NewProber(stat StatFunc) *Prober {
	if stat == nil {
		stat = os.Stat
	}
	return &Prober{stat: stat}
}

var defaultProber = NewProber(nil)

// Probe reads the current State of path using os.Stat.
func Probe(path string) State {
	return defaultProber.Probe(path)
}

// Probe reads the current State of path.
//
// Existence is tested first; any failure there means Absent. Metadata is then
// read again for the timestamp, so a path that exists but whose metadata
// cannot be read (or that reports a zero mtime) is PresentUnknown rather than
// Absent. That keeps the Created and Deleted edges on filesystems that refuse
// metadata.
//
// A path removed between the two reads is reported as PresentUnknown; the
// next Probe sees it as Absent, so the race is accepted.
func (p *Prober) Probe(path string) State {
	if _, err := p.stat(path); err != nil {
		return Absent()
	}

	info, err := p.stat(path)
	if err != nil {
		return PresentUnknown()
	}

	modTime := info.ModTime()
	if modTime.IsZero() {
		return PresentUnknown()
	}
	return Present(modTime)
}
