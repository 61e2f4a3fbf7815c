package watcher

import (
	"encoding/json"
	"time"
)

// State is the canonical reduction of a path's filesystem facts: either the
// path is absent, or it is present with a modification time that may be
// unknown. The zero value is Absent.
type State struct {
	exists  bool
	known   bool
	modTime time.Time
}

// Absent returns the State of a path that does not exist.
func Absent() State { return State{} }

// Present returns the State of an existing path last modified at modTime.
func Present(modTime time.Time) State {
	return State{exists: true, known: true, modTime: modTime}
}

// PresentUnknown returns the State of a path that exists but whose
// modification time could not be read.
func PresentUnknown() State { return State{exists: true} }

// Exists reports whether the path existed when the state was probed.
func (s State) Exists() bool { return s.exists }

// ModTime returns the modification time and whether it is known. It always
// reports false for an absent state.
func (s State) ModTime() (time.Time, bool) {
	return s.modTime, s.known
}

// Equal reports whether s and o describe the same filesystem facts.
func (s State) Equal(o State) bool {
	if s.exists != o.exists || s.known != o.known {
		return false
	}
	return !s.known || s.modTime.Equal(o.modTime)
}

func (s State) String() string {
	switch {
	case !s.exists:
		return "absent"
	case !s.known:
		return "present(unknown)"
	default:
		return "present(" + s.modTime.UTC().Format(time.RFC3339Nano) + ")"
	}
}

// stateJSON is the wire form of State used by the queue, audit log and API.
type stateJSON struct {
	Exists  bool       `json:"exists"`
	ModTime *time.Time `json:"mod_time,omitempty"`
}

// MarshalJSON encodes s as {"exists":bool,"mod_time":RFC3339Nano}. mod_time is
// omitted when the path is absent or its timestamp is unknown.
func (s State) MarshalJSON() ([]byte, error) {
	w := stateJSON{Exists: s.exists}
	if s.known {
		t := s.modTime.UTC()
		w.ModTime = &t
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var w stateJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case !w.Exists:
		*s = Absent()
	case w.ModTime == nil:
		*s = PresentUnknown()
	default:
		*s = Present(*w.ModTime)
	}
	return nil
}
