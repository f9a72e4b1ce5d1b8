// Package store defines the persistence ports of the monitor engine.
// Any backing store that satisfies these interfaces works; the engine
// never issues queries of its own. Implementations live in subpackages
// (memory, postgres).
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskops/sentinel/pkg/models"
)

// MonitorUpdate is a partial update applied to a monitor row. Nil
// pointer fields are left untouched. Counter deltas are applied
// atomically relative to the stored value.
type MonitorUpdate struct {
	Status        *models.MonitorStatus
	LastError     *string
	LastErrorKind *models.ErrorKind
	LastPolledAt  *time.Time
	LastEventAt   *time.Time

	// SetCursor guards PollCursor so an update can distinguish "leave
	// the cursor alone" from "write this cursor" (backfills never set
	// it).
	SetCursor  bool
	PollCursor json.RawMessage

	EventsDetectedDelta int
	TasksCreatedDelta   int
}

// MonitorStore manages monitor rows. UpdateMonitor must be safe to call
// concurrently for different monitor ids; updates to one monitor may
// serialize.
type MonitorStore interface {
	CreateMonitor(ctx context.Context, m *models.Monitor) error
	GetMonitor(ctx context.Context, id string) (*models.Monitor, error)
	ListMonitors(ctx context.Context, organizationID string) ([]*models.Monitor, error)
	FindDueMonitors(ctx context.Context, now time.Time) ([]*models.Monitor, error)
	FindActiveMonitorsByProvider(ctx context.Context, provider models.Provider) ([]*models.Monitor, error)
	UpdateMonitor(ctx context.Context, id string, update MonitorUpdate) error
	ReplaceMonitorConfig(ctx context.Context, m *models.Monitor) error
	DeleteMonitor(ctx context.Context, id string, at time.Time) error
}

// ConnectionStore reads connection rows. Token fields come back as the
// stored ciphertext; decryption is the caller's job.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
}

// EventStore manages the per-monitor event audit trail. InsertEvent
// must enforce uniqueness of (monitor_id, provider_event_id) and return
// ErrDuplicateEvent on conflict, so concurrent workers cannot both
// insert the same upstream message.
type EventStore interface {
	LookupEvent(ctx context.Context, monitorID, providerEventID string) (*models.MonitorEvent, error)
	InsertEvent(ctx context.Context, ev *models.MonitorEvent) error
	MarkEventProcessed(ctx context.Context, eventID, taskID string) error
}

// TaskStore creates tasks and their follow-up records in the external
// task system.
type TaskStore interface {
	InsertTask(ctx context.Context, t *models.Task) (string, error)
	FindTaskBySourceURL(ctx context.Context, organizationID, sourceURL string) (*models.Task, error)
	FindInboxQueue(ctx context.Context, organizationID string) (string, error)
	InsertComment(ctx context.Context, c *models.Comment) error
	InsertSuggestion(ctx context.Context, s *models.TaskSuggestion) error
}

// Store aggregates every port the engine needs.
type Store interface {
	MonitorStore
	ConnectionStore
	EventStore
	TaskStore
}

// Decryptor turns stored ciphertext into plaintext credentials.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}
