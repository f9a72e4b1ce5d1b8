package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

const monitorColumns = `
	id, organization_id, name, provider, connection_id, provider_config,
	queue_id, project_id, playbook_id, input_data_template,
	poll_interval_seconds, poll_cursor, status, last_polled_at,
	last_event_at, last_error, last_error_kind, events_detected,
	tasks_created, created_at, updated_at, deleted_at`

type monitorRow struct {
	models.Monitor
	InputDataTemplateJSON []byte `db:"input_data_template"`
}

func (r *monitorRow) model() (*models.Monitor, error) {
	m := r.Monitor
	if len(r.InputDataTemplateJSON) > 0 && string(r.InputDataTemplateJSON) != "{}" {
		if err := json.Unmarshal(r.InputDataTemplateJSON, &m.InputDataTemplate); err != nil {
			return nil, fmt.Errorf("decoding input_data_template: %w", err)
		}
	}
	return &m, nil
}

func marshalOrEmpty(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func rawOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func (s *Store) CreateMonitor(ctx context.Context, m *models.Monitor) error {
	tmpl, err := marshalOrEmpty(m.InputDataTemplate)
	if err != nil {
		return fmt.Errorf("encoding input_data_template: %w", err)
	}
	if m.Status == "" {
		m.Status = models.MonitorStatusActive
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO monitors (
			organization_id, name, provider, connection_id, provider_config,
			queue_id, project_id, playbook_id, input_data_template,
			poll_interval_seconds, poll_cursor, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		m.OrganizationID, m.Name, m.Provider, m.ConnectionID, rawOrEmpty(m.ProviderConfig),
		m.QueueID, m.ProjectID, m.PlaybookID, tmpl,
		m.PollIntervalSeconds, rawOrEmpty(m.PollCursor), m.Status,
	)
	if err := row.Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("inserting monitor: %w", err)
	}
	return nil
}

func (s *Store) GetMonitor(ctx context.Context, id string) (*models.Monitor, error) {
	var row monitorRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitor %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading monitor: %w", err)
	}
	return row.model()
}

func (s *Store) ListMonitors(ctx context.Context, organizationID string) ([]*models.Monitor, error) {
	var rows []monitorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+monitorColumns+` FROM monitors
		WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("listing monitors: %w", err)
	}
	return collectMonitors(rows)
}

func (s *Store) FindDueMonitors(ctx context.Context, now time.Time) ([]*models.Monitor, error) {
	var rows []monitorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+monitorColumns+` FROM monitors
		WHERE deleted_at IS NULL
		  AND (status = 'active' OR (status = 'error' AND last_error_kind = 'transient'))
		  AND (last_polled_at IS NULL
		       OR last_polled_at + make_interval(secs => poll_interval_seconds) <= $1)
		ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("finding due monitors: %w", err)
	}
	return collectMonitors(rows)
}

func (s *Store) FindActiveMonitorsByProvider(ctx context.Context, provider models.Provider) ([]*models.Monitor, error) {
	var rows []monitorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+monitorColumns+` FROM monitors
		WHERE provider = $1 AND status = 'active' AND deleted_at IS NULL
		ORDER BY id`, provider)
	if err != nil {
		return nil, fmt.Errorf("finding %s monitors: %w", provider, err)
	}
	return collectMonitors(rows)
}

func collectMonitors(rows []monitorRow) ([]*models.Monitor, error) {
	out := make([]*models.Monitor, 0, len(rows))
	for i := range rows {
		m, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) UpdateMonitor(ctx context.Context, id string, update store.MonitorUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.LastError != nil {
		add("last_error", *update.LastError)
	}
	if update.LastErrorKind != nil {
		add("last_error_kind", *update.LastErrorKind)
	}
	if update.LastPolledAt != nil {
		add("last_polled_at", *update.LastPolledAt)
	}
	if update.LastEventAt != nil {
		add("last_event_at", *update.LastEventAt)
	}
	if update.SetCursor {
		add("poll_cursor", rawOrEmpty(update.PollCursor))
	}
	if update.EventsDetectedDelta != 0 {
		args = append(args, update.EventsDetectedDelta)
		sets = append(sets, fmt.Sprintf("events_detected = events_detected + $%d", len(args)))
	}
	if update.TasksCreatedDelta != 0 {
		args = append(args, update.TasksCreatedDelta)
		sets = append(sets, fmt.Sprintf("tasks_created = tasks_created + $%d", len(args)))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("updating monitor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("monitor %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ReplaceMonitorConfig(ctx context.Context, m *models.Monitor) error {
	tmpl, err := marshalOrEmpty(m.InputDataTemplate)
	if err != nil {
		return fmt.Errorf("encoding input_data_template: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE monitors SET
			name = $2, provider_config = $3, queue_id = $4, project_id = $5,
			playbook_id = $6, input_data_template = $7,
			poll_interval_seconds = $8, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`,
		m.ID, m.Name, rawOrEmpty(m.ProviderConfig), m.QueueID, m.ProjectID,
		m.PlaybookID, tmpl, m.PollIntervalSeconds)
	if err != nil {
		return fmt.Errorf("replacing monitor config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("monitor %s: %w", m.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMonitor(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, at)
	if err != nil {
		return fmt.Errorf("deleting monitor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("monitor %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var row struct {
		ID             string `db:"id"`
		OrganizationID string `db:"organization_id"`
		Provider       string `db:"provider"`
		AccessToken    string `db:"access_token"`
		RefreshToken   string `db:"refresh_token"`
		ProviderUserID string `db:"provider_user_id"`
		ProviderEmail  string `db:"provider_email"`
		ScopesJSON     []byte `db:"scopes"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, organization_id, provider, access_token, refresh_token,
		       provider_user_id, provider_email, scopes
		FROM connections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	conn := &models.Connection{
		ID:             row.ID,
		OrganizationID: row.OrganizationID,
		Provider:       models.Provider(row.Provider),
		AccessToken:    row.AccessToken,
		RefreshToken:   row.RefreshToken,
		ProviderUserID: row.ProviderUserID,
		ProviderEmail:  row.ProviderEmail,
	}
	if len(row.ScopesJSON) > 0 {
		if err := json.Unmarshal(row.ScopesJSON, &conn.Scopes); err != nil {
			return nil, fmt.Errorf("decoding scopes: %w", err)
		}
	}
	return conn, nil
}

type eventRow struct {
	models.MonitorEvent
	EventDataJSON   []byte `db:"event_data"`
	ContextDataJSON []byte `db:"context_data"`
}

func (r *eventRow) model() (*models.MonitorEvent, error) {
	ev := r.MonitorEvent
	if len(r.EventDataJSON) > 0 {
		if err := json.Unmarshal(r.EventDataJSON, &ev.EventData); err != nil {
			return nil, fmt.Errorf("decoding event_data: %w", err)
		}
	}
	if len(r.ContextDataJSON) > 0 {
		var cd models.ContextData
		if err := json.Unmarshal(r.ContextDataJSON, &cd); err != nil {
			return nil, fmt.Errorf("decoding context_data: %w", err)
		}
		ev.ContextData = &cd
	}
	return &ev, nil
}

func (s *Store) LookupEvent(ctx context.Context, monitorID, providerEventID string) (*models.MonitorEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, monitor_id, provider_event_id, event_type, event_data,
		       context_data, provider_timestamp, processed, task_id, created_at
		FROM monitor_events
		WHERE monitor_id = $1 AND provider_event_id = $2`, monitorID, providerEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s/%s: %w", monitorID, providerEventID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up event: %w", err)
	}
	return row.model()
}

func (s *Store) InsertEvent(ctx context.Context, ev *models.MonitorEvent) error {
	eventData, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("encoding event_data: %w", err)
	}
	var contextData []byte
	if ev.ContextData != nil {
		if contextData, err = json.Marshal(ev.ContextData); err != nil {
			return fmt.Errorf("encoding context_data: %w", err)
		}
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO monitor_events (
			monitor_id, provider_event_id, event_type, event_data,
			context_data, provider_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		ev.MonitorID, ev.ProviderEventID, ev.EventType, eventData,
		contextData, ev.ProviderTimestamp)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("event %s/%s: %w", ev.MonitorID, ev.ProviderEventID, store.ErrDuplicateEvent)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitor_events SET processed = TRUE, task_id = $2 WHERE id = $1`,
		eventID, taskID)
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertTask(ctx context.Context, t *models.Task) (string, error) {
	inputData, err := marshalOrEmpty(t.InputData)
	if err != nil {
		return "", fmt.Errorf("encoding input_data: %w", err)
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO tasks (
			organization_id, queue_id, project_id, title, description,
			status, priority, source_monitor_id, source_playbook_id,
			source_url, input_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		t.OrganizationID, t.QueueID, t.ProjectID, t.Title, t.Description,
		t.Status, t.Priority, t.SourceMonitorID, t.SourcePlaybookID,
		t.SourceURL, inputData)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return "", fmt.Errorf("inserting task: %w", err)
	}
	return t.ID, nil
}

func (s *Store) FindTaskBySourceURL(ctx context.Context, organizationID, sourceURL string) (*models.Task, error) {
	if sourceURL == "" {
		return nil, store.ErrNotFound
	}
	var row struct {
		models.Task
		InputDataJSON []byte `db:"input_data"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, organization_id, queue_id, project_id, title, description,
		       status, priority, source_monitor_id, source_playbook_id,
		       source_url, input_data, created_at
		FROM tasks
		WHERE organization_id = $1 AND source_url = $2
		ORDER BY created_at
		LIMIT 1`, organizationID, sourceURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task with source %s: %w", sourceURL, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding task by source url: %w", err)
	}
	task := row.Task
	if len(row.InputDataJSON) > 0 && string(row.InputDataJSON) != "{}" {
		if err := json.Unmarshal(row.InputDataJSON, &task.InputData); err != nil {
			return nil, fmt.Errorf("decoding input_data: %w", err)
		}
	}
	return &task, nil
}

func (s *Store) FindInboxQueue(ctx context.Context, organizationID string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM queues
		WHERE organization_id = $1 AND queue_type = $2
		ORDER BY created_at
		LIMIT 1`, organizationID, models.QueueTypeInbox)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("organization %s: %w", organizationID, store.ErrNoInboxQueue)
	}
	if err != nil {
		return "", fmt.Errorf("finding inbox queue: %w", err)
	}
	return id, nil
}

func (s *Store) InsertComment(ctx context.Context, c *models.Comment) error {
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO task_comments (task_id, user_id, user_name, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		c.TaskID, c.UserID, c.UserName, c.Body)
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return fmt.Errorf("inserting comment: %w", err)
	}
	return nil
}

func (s *Store) InsertSuggestion(ctx context.Context, sg *models.TaskSuggestion) error {
	providerData, err := marshalOrEmpty(sg.ProviderData)
	if err != nil {
		return fmt.Errorf("encoding provider_data: %w", err)
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO task_suggestions (task_id, suggestion_type, content, provider_data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		sg.TaskID, sg.SuggestionType, sg.Content, providerData)
	if err := row.Scan(&sg.ID, &sg.CreatedAt); err != nil {
		return fmt.Errorf("inserting suggestion: %w", err)
	}
	return nil
}
