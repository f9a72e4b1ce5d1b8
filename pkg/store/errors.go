package store

import "errors"

// Sentinel errors returned by store implementations. Callers branch on
// these with errors.Is; implementations wrap them with detail.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEvent is returned by InsertEvent when the
	// (monitor_id, provider_event_id) uniqueness constraint is violated.
	// Callers treat it as benign and skip the event.
	ErrDuplicateEvent = errors.New("duplicate monitor event")

	// ErrNoInboxQueue is returned when an organization has no inbox
	// queue and the monitor specifies no destination.
	ErrNoInboxQueue = errors.New("no inbox queue for organization")
)
