package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

// newTestStore connects to an external database when CI_DATABASE_URL is
// set, and spins up a testcontainer otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	st, err := OpenDSN(ctx, connStr, Config{MaxOpenConns: 5, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedMonitor(t *testing.T, st *Store, ctx context.Context) (*models.Monitor, *models.Connection) {
	t.Helper()
	conn := &models.Connection{
		OrganizationID: "org1",
		Provider:       models.ProviderSlack,
		AccessToken:    "ciphertext",
		ProviderUserID: "U9",
		Scopes:         []string{"search:read"},
	}
	require.NoError(t, st.CreateConnection(ctx, conn))

	monitor := &models.Monitor{
		OrganizationID:      "org1",
		Name:                "mentions",
		Provider:            models.ProviderSlack,
		ConnectionID:        conn.ID,
		ProviderConfig:      json.RawMessage(`{"my_mentions":true}`),
		InputDataTemplate:   map[string]any{"playbook_var": "standup"},
		PollIntervalSeconds: 60,
	}
	require.NoError(t, st.CreateMonitor(ctx, monitor))
	return monitor, conn
}

func TestMonitorRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	monitor, conn := seedMonitor(t, st, ctx)

	got, err := st.GetMonitor(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, "mentions", got.Name)
	assert.Equal(t, models.MonitorStatusActive, got.Status)
	assert.JSONEq(t, `{"my_mentions":true}`, string(got.ProviderConfig))
	assert.Equal(t, map[string]any{"playbook_var": "standup"}, got.InputDataTemplate)
	assert.JSONEq(t, `{}`, string(got.PollCursor))

	gotConn, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "U9", gotConn.ProviderUserID)
	assert.Equal(t, []string{"search:read"}, gotConn.Scopes)

	list, err := st.ListMonitors(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = st.GetMonitor(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMonitorUpdateAndDue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	monitor, _ := seedMonitor(t, st, ctx)

	// Never-polled active monitors are due.
	due, err := st.FindDueMonitors(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)

	// A successful poll outcome: cursor set, counters bumped.
	now := time.Now().UTC().Truncate(time.Microsecond)
	active := models.MonitorStatusActive
	require.NoError(t, st.UpdateMonitor(ctx, monitor.ID, store.MonitorUpdate{
		Status:              &active,
		LastPolledAt:        &now,
		LastEventAt:         &now,
		SetCursor:           true,
		PollCursor:          json.RawMessage(`{"last_seen_ts":"1000.1"}`),
		EventsDetectedDelta: 3,
		TasksCreatedDelta:   2,
	}))
	got, err := st.GetMonitor(ctx, monitor.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_seen_ts":"1000.1"}`, string(got.PollCursor))
	assert.Equal(t, 3, got.EventsDetected)
	assert.Equal(t, 2, got.TasksCreated)
	require.NotNil(t, got.LastPolledAt)
	assert.WithinDuration(t, now, *got.LastPolledAt, time.Millisecond)

	// Freshly polled means not due until the interval elapses.
	due, err = st.FindDueMonitors(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = st.FindDueMonitors(ctx, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	// Transient errors stay due; permanent errors park.
	errStatus := models.MonitorStatusError
	transient := models.ErrorKindTransient
	msg := "HTTP 503"
	require.NoError(t, st.UpdateMonitor(ctx, monitor.ID, store.MonitorUpdate{
		Status: &errStatus, LastError: &msg, LastErrorKind: &transient,
	}))
	due, err = st.FindDueMonitors(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1)

	permanent := models.ErrorKindPermanent
	require.NoError(t, st.UpdateMonitor(ctx, monitor.ID, store.MonitorUpdate{
		Status: &errStatus, LastErrorKind: &permanent,
	}))
	due, err = st.FindDueMonitors(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	// Soft delete removes the monitor from every listing.
	require.NoError(t, st.DeleteMonitor(ctx, monitor.ID, time.Now().UTC()))
	list, err := st.ListMonitors(ctx, "org1")
	require.NoError(t, err)
	assert.Empty(t, list)
	byProvider, err := st.FindActiveMonitorsByProvider(ctx, models.ProviderSlack)
	require.NoError(t, err)
	assert.Empty(t, byProvider)
}

func TestEventUniqueness(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	monitor, _ := seedMonitor(t, st, ctx)

	ev := &models.MonitorEvent{
		MonitorID:       monitor.ID,
		ProviderEventID: "C1:1000.1",
		EventType:       "mention",
		EventData: models.EventData{
			Text:      "<@U9> review this",
			ChannelID: "C1",
			TS:        "1000.1",
		},
		ContextData: &models.ContextData{
			Thread: []models.ContextMessage{{User: "U7", Text: "context"}},
		},
		ProviderTimestamp: time.Unix(1000, 0).UTC(),
	}
	require.NoError(t, st.InsertEvent(ctx, ev))
	require.NotEmpty(t, ev.ID)

	dup := &models.MonitorEvent{
		MonitorID:       monitor.ID,
		ProviderEventID: "C1:1000.1",
		EventType:       "mention",
	}
	err := st.InsertEvent(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)

	got, err := st.LookupEvent(ctx, monitor.ID, "C1:1000.1")
	require.NoError(t, err)
	assert.Equal(t, "<@U9> review this", got.EventData.Text)
	require.NotNil(t, got.ContextData)
	assert.Len(t, got.ContextData.Thread, 1)
	assert.False(t, got.Processed)

	require.NoError(t, st.MarkEventProcessed(ctx, ev.ID, "task-1"))
	got, err = st.LookupEvent(ctx, monitor.ID, "C1:1000.1")
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, "task-1", got.TaskID)
}

func TestTaskQueueCommentSuggestion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	monitor, _ := seedMonitor(t, st, ctx)

	_, err := st.FindInboxQueue(ctx, "org1")
	assert.ErrorIs(t, err, store.ErrNoInboxQueue)

	queue := &models.Queue{OrganizationID: "org1", QueueType: models.QueueTypeInbox, Name: "Inbox"}
	require.NoError(t, st.CreateQueue(ctx, queue))
	queueID, err := st.FindInboxQueue(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, queue.ID, queueID)

	task := &models.Task{
		OrganizationID:  "org1",
		QueueID:         queueID,
		Title:           "please review PR 42",
		Status:          models.TaskStatusQueued,
		Priority:        models.DefaultTaskPriority,
		SourceMonitorID: monitor.ID,
		SourceURL:       "https://slack.example/p1",
		InputData:       map[string]any{"_monitor_event": map[string]any{"event_type": "mention"}},
	}
	taskID, err := st.InsertTask(ctx, task)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	found, err := st.FindTaskBySourceURL(ctx, "org1", "https://slack.example/p1")
	require.NoError(t, err)
	assert.Equal(t, taskID, found.ID)
	assert.Contains(t, found.InputData, "_monitor_event")

	_, err = st.FindTaskBySourceURL(ctx, "org1", "https://slack.example/other")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.FindTaskBySourceURL(ctx, "org2", "https://slack.example/p1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.InsertComment(ctx, &models.Comment{
		TaskID:   taskID,
		UserID:   models.SystemCommentUserID,
		UserName: models.SlackMonitorAuthor,
		Body:     "**dana** wrote:\n> review this",
	}))
	require.NoError(t, st.InsertSuggestion(ctx, &models.TaskSuggestion{
		TaskID:         taskID,
		SuggestionType: models.SuggestionTypeSlackReply,
		Content:        "On it, will take a look today.",
		ProviderData:   map[string]any{"channel_id": "C1", "thread_ts": "1000.1"},
	}))
}
