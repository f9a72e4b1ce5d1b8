// Package models defines the core entities of the monitor engine:
// monitors, connections, adapter events, persisted monitor events, and
// the task-side records the engine materializes.
package models

import (
	"encoding/json"
	"time"
)

// Provider identifies an upstream messaging service.
type Provider string

// Supported providers.
const (
	ProviderSlack   Provider = "slack"
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderGitHub  Provider = "github"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderSlack, ProviderGmail, ProviderOutlook, ProviderGitHub:
		return true
	}
	return false
}

// MonitorStatus is the lifecycle state of a monitor.
type MonitorStatus string

// Monitor status constants.
const (
	MonitorStatusActive MonitorStatus = "active"
	MonitorStatusPaused MonitorStatus = "paused"
	MonitorStatusError  MonitorStatus = "error"
)

// ErrorKind classifies the last failure recorded on a monitor. Transient
// failures keep the monitor eligible for the next scheduler tick; the
// other kinds park it until an administrator acts.
type ErrorKind string

// Error kind constants.
const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindPermanent  ErrorKind = "permanent"
	ErrorKindConnection ErrorKind = "connection"
)

// Monitor binds one connection (credentials for one upstream account) to
// one destination queue for one organization, plus the provider-specific
// filter configuration and the engine-owned polling state.
type Monitor struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`

	Provider       Provider        `json:"provider" db:"provider"`
	ConnectionID   string          `json:"connection_id" db:"connection_id"`
	ProviderConfig json.RawMessage `json:"provider_config" db:"provider_config"`

	// Destination. QueueID empty means "the organization's inbox queue".
	QueueID    string `json:"queue_id,omitempty" db:"queue_id"`
	ProjectID  string `json:"project_id,omitempty" db:"project_id"`
	PlaybookID string `json:"playbook_id,omitempty" db:"playbook_id"`

	// InputDataTemplate is merged (right-biased) into every created
	// task's input data.
	InputDataTemplate map[string]any `json:"input_data_template,omitempty" db:"-"`

	PollIntervalSeconds int `json:"poll_interval_seconds" db:"poll_interval_seconds"`

	// PollCursor is an adapter-owned opaque blob. Only the engine writes
	// it, and only after a successful non-backfill poll.
	PollCursor json.RawMessage `json:"poll_cursor,omitempty" db:"poll_cursor"`

	Status        MonitorStatus `json:"status" db:"status"`
	LastPolledAt  *time.Time    `json:"last_polled_at,omitempty" db:"last_polled_at"`
	LastEventAt   *time.Time    `json:"last_event_at,omitempty" db:"last_event_at"`
	LastError     string        `json:"last_error,omitempty" db:"last_error"`
	LastErrorKind ErrorKind     `json:"last_error_kind,omitempty" db:"last_error_kind"`

	EventsDetected int `json:"events_detected" db:"events_detected"`
	TasksCreated   int `json:"tasks_created" db:"tasks_created"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Due reports whether the monitor should be polled at the given instant.
// Error-status monitors are admitted only when the last failure was
// transient.
func (m *Monitor) Due(now time.Time) bool {
	if m.DeletedAt != nil {
		return false
	}
	switch m.Status {
	case MonitorStatusActive:
	case MonitorStatusError:
		if m.LastErrorKind != ErrorKindTransient {
			return false
		}
	default:
		return false
	}
	if m.LastPolledAt == nil {
		return true
	}
	return !m.LastPolledAt.Add(time.Duration(m.PollIntervalSeconds) * time.Second).After(now)
}

// Connection carries the decrypted credentials for one upstream account.
// Ownership, refresh, and storage of the encrypted form are external
// concerns; the engine only ever sees this decrypted view.
type Connection struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Provider       Provider `json:"provider"`
	AccessToken    string   `json:"access_token"`
	RefreshToken   string   `json:"refresh_token,omitempty"`
	ProviderUserID string   `json:"provider_user_id,omitempty"`
	ProviderEmail  string   `json:"provider_email,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
}

// SlackMonitorConfig is the provider_config payload for Slack monitors.
type SlackMonitorConfig struct {
	ChannelIDs      []string `json:"channel_ids,omitempty"`
	WorkspaceWide   bool     `json:"workspace_wide,omitempty"`
	TaggedUserIDs   []string `json:"tagged_user_ids,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	ContextMessages int      `json:"context_messages"`
	MyMentions      bool     `json:"my_mentions,omitempty"`
}

// EmailMonitorConfig is the provider_config payload for Gmail and
// Outlook monitors. Folder entries are Gmail label names or Outlook
// folder ids / well-known names.
type EmailMonitorConfig struct {
	Folders     []string `json:"label_or_folder_ids,omitempty"`
	FromFilter  []string `json:"from_filter,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	IncludeBody bool     `json:"include_body,omitempty"`
	UnreadOnly  *bool    `json:"unread_only,omitempty"`
}

// Unread returns the unread_only setting, defaulting to true.
func (c *EmailMonitorConfig) Unread() bool {
	if c.UnreadOnly == nil {
		return true
	}
	return *c.UnreadOnly
}

// GitHubMonitorConfig is the provider_config payload for GitHub
// monitors watching one repository. Unset filter lists take the
// defaults returned by the accessor methods.
type GitHubMonitorConfig struct {
	Owner         string   `json:"owner"`
	Repo          string   `json:"repo"`
	EventTypes    []string `json:"event_types,omitempty"`
	Branches      []string `json:"branches,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	ExcludeBots   *bool    `json:"exclude_bots,omitempty"`
	PRActions     []string `json:"pr_actions,omitempty"`
	IssueActions  []string `json:"issue_actions,omitempty"`
	WebhookSecret string   `json:"webhook_secret,omitempty"`
}

// Types returns the monitored event types, defaulting to pull
// requests, issues, and pushes.
func (c *GitHubMonitorConfig) Types() []string {
	if len(c.EventTypes) > 0 {
		return c.EventTypes
	}
	return []string{"pull_request", "issues", "push"}
}

// BotsExcluded reports the exclude_bots setting, defaulting to true.
func (c *GitHubMonitorConfig) BotsExcluded() bool {
	if c.ExcludeBots == nil {
		return true
	}
	return *c.ExcludeBots
}

// PRActionFilter returns the pull request actions that produce events.
func (c *GitHubMonitorConfig) PRActionFilter() []string {
	if len(c.PRActions) > 0 {
		return c.PRActions
	}
	return []string{"opened", "reopened", "ready_for_review"}
}

// IssueActionFilter returns the issue actions that produce events.
func (c *GitHubMonitorConfig) IssueActionFilter() []string {
	if len(c.IssueActions) > 0 {
		return c.IssueActions
	}
	return []string{"opened", "reopened"}
}
