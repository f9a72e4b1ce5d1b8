// Package memory provides an in-memory Store for tests and local
// development. It enforces the same uniqueness guarantees as the
// durable store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	monitors    map[string]*models.Monitor
	connections map[string]*models.Connection
	events      map[string]*models.MonitorEvent
	eventKeys   map[string]string // "monitorID\x00providerEventID" -> event id
	tasks       map[string]*models.Task
	comments    []*models.Comment
	suggestions []*models.TaskSuggestion
	queues      map[string]*models.Queue
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		monitors:    make(map[string]*models.Monitor),
		connections: make(map[string]*models.Connection),
		events:      make(map[string]*models.MonitorEvent),
		eventKeys:   make(map[string]string),
		tasks:       make(map[string]*models.Task),
		queues:      make(map[string]*models.Queue),
	}
}

func eventKey(monitorID, providerEventID string) string {
	return monitorID + "\x00" + providerEventID
}

// SeedConnection registers a connection row. Test helper.
func (s *Store) SeedConnection(c *models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.connections[c.ID] = &cp
}

// SeedQueue registers a queue row. Test helper.
func (s *Store) SeedQueue(q *models.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.queues[q.ID] = &cp
}

func (s *Store) CreateMonitor(_ context.Context, m *models.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	cp := *m
	s.monitors[m.ID] = &cp
	return nil
}

func (s *Store) GetMonitor(_ context.Context, id string) (*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return nil, fmt.Errorf("monitor %s: %w", id, store.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMonitors(_ context.Context, organizationID string) ([]*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Monitor
	for _, m := range s.monitors {
		if m.OrganizationID != organizationID || m.DeletedAt != nil {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FindDueMonitors(_ context.Context, now time.Time) ([]*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Monitor
	for _, m := range s.monitors {
		if m.Due(now) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindActiveMonitorsByProvider(_ context.Context, provider models.Provider) ([]*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Monitor
	for _, m := range s.monitors {
		if m.Provider != provider || m.Status != models.MonitorStatusActive || m.DeletedAt != nil {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateMonitor(_ context.Context, id string, update store.MonitorUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %s: %w", id, store.ErrNotFound)
	}
	if update.Status != nil {
		m.Status = *update.Status
	}
	if update.LastError != nil {
		m.LastError = *update.LastError
	}
	if update.LastErrorKind != nil {
		m.LastErrorKind = *update.LastErrorKind
	}
	if update.LastPolledAt != nil {
		t := *update.LastPolledAt
		m.LastPolledAt = &t
	}
	if update.LastEventAt != nil {
		t := *update.LastEventAt
		m.LastEventAt = &t
	}
	if update.SetCursor {
		m.PollCursor = append([]byte(nil), update.PollCursor...)
	}
	m.EventsDetected += update.EventsDetectedDelta
	m.TasksCreated += update.TasksCreatedDelta
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ReplaceMonitorConfig(_ context.Context, m *models.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.monitors[m.ID]
	if !ok {
		return fmt.Errorf("monitor %s: %w", m.ID, store.ErrNotFound)
	}
	cur.Name = m.Name
	cur.ProviderConfig = append([]byte(nil), m.ProviderConfig...)
	cur.QueueID = m.QueueID
	cur.ProjectID = m.ProjectID
	cur.PlaybookID = m.PlaybookID
	cur.InputDataTemplate = m.InputDataTemplate
	cur.PollIntervalSeconds = m.PollIntervalSeconds
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteMonitor(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %s: %w", id, store.ErrNotFound)
	}
	t := at
	m.DeletedAt = &t
	m.UpdatedAt = at
	return nil
}

func (s *Store) GetConnection(_ context.Context, id string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) LookupEvent(_ context.Context, monitorID, providerEventID string) (*models.MonitorEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.eventKeys[eventKey(monitorID, providerEventID)]
	if !ok {
		return nil, fmt.Errorf("event %s/%s: %w", monitorID, providerEventID, store.ErrNotFound)
	}
	cp := *s.events[id]
	return &cp, nil
}

func (s *Store) InsertEvent(_ context.Context, ev *models.MonitorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(ev.MonitorID, ev.ProviderEventID)
	if _, exists := s.eventKeys[key]; exists {
		return fmt.Errorf("event %s/%s: %w", ev.MonitorID, ev.ProviderEventID, store.ErrDuplicateEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	s.eventKeys[key] = ev.ID
	return nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	ev.Processed = true
	ev.TaskID = taskID
	return nil
}

func (s *Store) InsertTask(_ context.Context, t *models.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (s *Store) FindTaskBySourceURL(_ context.Context, organizationID, sourceURL string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sourceURL == "" {
		return nil, store.ErrNotFound
	}
	for _, t := range s.tasks {
		if t.OrganizationID == organizationID && t.SourceURL == sourceURL {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("task with source %s: %w", sourceURL, store.ErrNotFound)
}

func (s *Store) FindInboxQueue(_ context.Context, organizationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.OrganizationID == organizationID && strings.EqualFold(q.QueueType, models.QueueTypeInbox) {
			return q.ID, nil
		}
	}
	return "", fmt.Errorf("organization %s: %w", organizationID, store.ErrNoInboxQueue)
}

func (s *Store) InsertComment(_ context.Context, c *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.comments = append(s.comments, &cp)
	return nil
}

func (s *Store) InsertSuggestion(_ context.Context, sg *models.TaskSuggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}
	cp := *sg
	s.suggestions = append(s.suggestions, &cp)
	return nil
}

// Tasks returns all stored tasks, ordered by creation time. Test helper.
func (s *Store) Tasks() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Comments returns all stored comments in insertion order. Test helper.
func (s *Store) Comments() []*models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Comment, len(s.comments))
	for i, c := range s.comments {
		cp := *c
		out[i] = &cp
	}
	return out
}

// Suggestions returns all stored suggestions in insertion order. Test helper.
func (s *Store) Suggestions() []*models.TaskSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TaskSuggestion, len(s.suggestions))
	for i, sg := range s.suggestions {
		cp := *sg
		out[i] = &cp
	}
	return out
}

// Events returns all stored monitor events. Test helper.
func (s *Store) Events() []*models.MonitorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.MonitorEvent, 0, len(s.events))
	for _, ev := range s.events {
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
