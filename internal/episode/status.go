package episode

import "fmt"

// Status is the lifecycle state of an episode. The string values are the
// ones stored in the download_status column.
type Status string

const (
	StatusNotDownloaded Status = "not_downloaded"
	StatusInProgress    Status = "in_progress"
	StatusDownloaded    Status = "downloaded"
	StatusError         Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotDownloaded, StatusInProgress, StatusDownloaded, StatusError:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown episode status %q", s)
	}
	return st, nil
}

// CanTransition reports whether an episode may move from one status to
// another. in_progress -> in_progress covers resuming a crashed attempt;
// error -> not_downloaded is the operator reset.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusNotDownloaded:
		return to == StatusInProgress
	case StatusInProgress:
		switch to {
		case StatusInProgress, StatusDownloaded, StatusError:
			return true
		}
		return false
	case StatusError:
		return to == StatusInProgress || to == StatusNotDownloaded
	case StatusDownloaded:
		return false
	default:
		return false
	}
}
