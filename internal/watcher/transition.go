package watcher

import "fmt"

// Transition classifies how a target changed between two successive states.
type Transition uint8

const (
	// None means no observable change. It is the zero value.
	None Transition = iota
	// Created means the path went from absent to present.
	Created
	// Modified means the path stayed present and its known modification
	// time changed.
	Modified
	// Deleted means the path went from present to absent.
	Deleted
)

var transitionNames = [...]string{
	None:     "none",
	Created:  "created",
	Modified: "modified",
	Deleted:  "deleted",
}

func (t Transition) String() string {
	if int(t) < len(transitionNames) {
		return transitionNames[t]
	}
	return fmt.Sprintf("transition(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Transition) MarshalText() ([]byte, error) {
	if int(t) >= len(transitionNames) {
		return nil, fmt.Errorf("watcher: invalid transition %d", uint8(t))
	}
	return []byte(transitionNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Transition) UnmarshalText(text []byte) error {
	tr, err := ParseTransition(string(text))
	if err != nil {
		return err
	}
	*t = tr
	return nil
}

// ParseTransition returns the Transition named s ("none", "created",
// "modified" or "deleted").
func ParseTransition(s string) (Transition, error) {
	for i, name := range transitionNames {
		if name == s {
			return Transition(i), nil
		}
	}
	return None, fmt.Errorf("watcher: unknown transition %q", s)
}

// Diff returns the transition from previous to current.
//
// Modified requires both timestamps to be known and different. A timestamp
// that becomes unknown, or becomes readable after being unknown, is not
// evidence of a change, so those pairs yield None and the next known
// timestamp silently becomes the baseline.
func Diff(previous, current State) Transition {
	switch {
	case !previous.exists && current.exists:
		return Created
	case previous.exists && !current.exists:
		return Deleted
	case previous.exists && previous.known && current.known &&
		!previous.modTime.Equal(current.modTime):
		return Modified
	default:
		return None
	}
}
