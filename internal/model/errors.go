package model

import "fmt"

// MalformedEventError marks a single raw event whose timestamp is missing
// or unparsable. The event is excluded from consolidation; the rest of
// the batch still processes.
type MalformedEventError struct {
	Source string // where the event came from, e.g. "events.jsonl:42"
	UserID string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("malformed event at %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed event (user %q): %s", e.UserID, e.Reason)
}
