package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

func TestInsertEventUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	ev := &models.MonitorEvent{
		MonitorID:       "m1",
		ProviderEventID: "C1:1000.1",
		EventType:       "mention",
	}
	require.NoError(t, s.InsertEvent(ctx, ev))

	dup := &models.MonitorEvent{MonitorID: "m1", ProviderEventID: "C1:1000.1"}
	err := s.InsertEvent(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)

	// Same provider event under a different monitor is fine.
	other := &models.MonitorEvent{MonitorID: "m2", ProviderEventID: "C1:1000.1"}
	assert.NoError(t, s.InsertEvent(ctx, other))
}

func TestInsertEventConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()

	// 20 goroutines race to insert 5 distinct provider event ids.
	ids := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				_ = s.InsertEvent(ctx, &models.MonitorEvent{MonitorID: "m1", ProviderEventID: id})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Events(), len(ids))
}

func TestFindDueMonitors(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)

	require.NoError(t, s.CreateMonitor(ctx, &models.Monitor{
		ID: "due", Status: models.MonitorStatusActive, PollIntervalSeconds: 60, LastPolledAt: &old,
	}))
	require.NoError(t, s.CreateMonitor(ctx, &models.Monitor{
		ID: "fresh", Status: models.MonitorStatusActive, PollIntervalSeconds: 3600, LastPolledAt: &now,
	}))
	require.NoError(t, s.CreateMonitor(ctx, &models.Monitor{
		ID: "paused", Status: models.MonitorStatusPaused, PollIntervalSeconds: 60,
	}))

	due, err := s.FindDueMonitors(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestUpdateMonitorCursorGuard(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateMonitor(ctx, &models.Monitor{
		ID: "m1", Status: models.MonitorStatusActive, PollCursor: []byte(`{"last_seen_ts":"5"}`),
	}))

	// Update without SetCursor leaves the cursor alone.
	now := time.Now().UTC()
	require.NoError(t, s.UpdateMonitor(ctx, "m1", store.MonitorUpdate{LastPolledAt: &now}))
	m, err := s.GetMonitor(ctx, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_seen_ts":"5"}`, string(m.PollCursor))

	// SetCursor writes it, counters accumulate.
	require.NoError(t, s.UpdateMonitor(ctx, "m1", store.MonitorUpdate{
		SetCursor:           true,
		PollCursor:          []byte(`{"last_seen_ts":"9"}`),
		EventsDetectedDelta: 2,
		TasksCreatedDelta:   1,
	}))
	m, err = s.GetMonitor(ctx, "m1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_seen_ts":"9"}`, string(m.PollCursor))
	assert.Equal(t, 2, m.EventsDetected)
	assert.Equal(t, 1, m.TasksCreated)
}
