package scheduler

import "fmt"

// Status is the lifecycle state of a Task's execution.
type Status uint8

const (
	// StatusNew means the task has not been run yet. Every task starts here.
	StatusNew Status = iota
	// StatusDone means the callback returned without error.
	StatusDone
	// StatusError means the callback returned an error or panicked.
	StatusError
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets Status render as its name in JSON and YAML.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus converts a status name into a Status.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "new":
		return StatusNew, nil
	case "done":
		return StatusDone, nil
	case "error":
		return StatusError, nil
	default:
		return 0, fmt.Errorf("scheduler: unknown status %q", name)
	}
}

// ValidTransition reports whether from → to is a legal status change.
//
//	NEW ──► DONE
//	 │
//	 └────► ERROR
//
// DONE and ERROR are terminal.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusNew:
		return to == StatusDone || to == StatusError
	case StatusDone, StatusError:
		return false
	}
	return false
}
