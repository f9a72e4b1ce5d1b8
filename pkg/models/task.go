package models

import "time"

// TaskStatusQueued is the only status the engine ever writes on a task.
const TaskStatusQueued = "queued"

// DefaultTaskPriority is written on every synthesized task. Urgency is
// computed and logged but does not change priority.
const DefaultTaskPriority = 5

// Task is the work item the processor materializes in a queue. Only the
// fields below are owned by the engine; everything else about tasks
// lives outside this service.
type Task struct {
	ID               string         `json:"id" db:"id"`
	OrganizationID   string         `json:"organization_id" db:"organization_id"`
	QueueID          string         `json:"queue_id" db:"queue_id"`
	ProjectID        string         `json:"project_id,omitempty" db:"project_id"`
	Title            string         `json:"title" db:"title"`
	Description      string         `json:"description" db:"description"`
	Status           string         `json:"status" db:"status"`
	Priority         int            `json:"priority" db:"priority"`
	SourceMonitorID  string         `json:"source_monitor_id,omitempty" db:"source_monitor_id"`
	SourcePlaybookID string         `json:"source_playbook_id,omitempty" db:"source_playbook_id"`
	SourceURL        string         `json:"source_url,omitempty" db:"source_url"`
	InputData        map[string]any `json:"input_data,omitempty" db:"-"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// Comment is a note attached to a task. The engine only ever writes
// system comments carrying conversational context.
type Comment struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	UserName  string    `json:"user_name" db:"user_name"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// System comment identity used for context comments.
const (
	SystemCommentUserID = "system"
	SlackMonitorAuthor  = "Slack Monitor"
)

// Suggestion types.
const (
	SuggestionTypeSlackReply = "slack_reply"
	SuggestionTypeGmailReply = "gmail_reply"
)

// TaskSuggestion is an AI-drafted follow-up action attached to a task,
// such as a proposed Slack or email reply. The provider data carries
// whatever the sender needs to post it (channel/thread or message ids).
type TaskSuggestion struct {
	ID             string         `json:"id" db:"id"`
	TaskID         string         `json:"task_id" db:"task_id"`
	SuggestionType string         `json:"suggestion_type" db:"suggestion_type"`
	Content        string         `json:"content" db:"content"`
	ProviderData   map[string]any `json:"provider_data,omitempty" db:"-"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Queue is the minimal projection of a destination queue the engine
// needs for inbox lookup.
type Queue struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	QueueType      string `json:"queue_type" db:"queue_type"`
	Name           string `json:"name" db:"name"`
}

// QueueTypeInbox marks an organization's default intake queue.
const QueueTypeInbox = "inbox"
