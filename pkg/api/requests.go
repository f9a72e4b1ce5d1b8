package api

import (
	"encoding/json"

	"github.com/taskops/sentinel/pkg/models"
)

// CreateMonitorRequest is the HTTP request body for POST /api/v1/monitors.
type CreateMonitorRequest struct {
	OrganizationID      string          `json:"organization_id" binding:"required"`
	Name                string          `json:"name" binding:"required"`
	Provider            models.Provider `json:"provider" binding:"required"`
	ConnectionID        string          `json:"connection_id" binding:"required"`
	ProviderConfig      json.RawMessage `json:"provider_config"`
	QueueID             string          `json:"queue_id"`
	ProjectID           string          `json:"project_id"`
	PlaybookID          string          `json:"playbook_id"`
	InputDataTemplate   map[string]any  `json:"input_data_template"`
	PollIntervalSeconds int             `json:"poll_interval_seconds"`
}

// UpdateMonitorRequest is the body for PUT /api/v1/monitors/:id. All
// fields are optional; absent fields keep their current value.
type UpdateMonitorRequest struct {
	Name                *string         `json:"name"`
	ProviderConfig      json.RawMessage `json:"provider_config"`
	QueueID             *string         `json:"queue_id"`
	ProjectID           *string         `json:"project_id"`
	PlaybookID          *string         `json:"playbook_id"`
	InputDataTemplate   map[string]any  `json:"input_data_template"`
	PollIntervalSeconds *int            `json:"poll_interval_seconds"`
}

// BackfillRequest bounds a POST /api/v1/monitors/:id/backfill window.
// Dates are RFC3339 or plain "2006-01-02".
type BackfillRequest struct {
	Oldest string `json:"oldest" binding:"required"`
	Latest string `json:"latest"`
}

// ValidateMonitorRequest is the body for POST /api/v1/monitors/validate.
type ValidateMonitorRequest struct {
	Provider       models.Provider `json:"provider" binding:"required"`
	ConnectionID   string          `json:"connection_id" binding:"required"`
	ProviderConfig json.RawMessage `json:"provider_config"`
}
