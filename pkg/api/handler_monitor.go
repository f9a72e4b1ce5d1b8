package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskops/sentinel/pkg/adapter"
	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

// defaultPollIntervalSeconds applies when a create request leaves the
// interval unset.
const defaultPollIntervalSeconds = 300

// createMonitor handles POST /api/v1/monitors.
func (s *Server) createMonitor(c *gin.Context) {
	var req CreateMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !req.Provider.Valid() {
		badRequest(c, fmt.Sprintf("unsupported provider %q", req.Provider))
		return
	}
	if req.PollIntervalSeconds == 0 {
		req.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if min := int(s.minPollInterval.Seconds()); req.PollIntervalSeconds < min {
		badRequest(c, fmt.Sprintf("poll_interval_seconds must be at least %d", min))
		return
	}
	if err := s.validateProviderConfig(c.Request.Context(), req.Provider, req.ConnectionID, req.ProviderConfig); err != nil {
		badRequest(c, err.Error())
		return
	}

	monitor := &models.Monitor{
		OrganizationID:      req.OrganizationID,
		Name:                req.Name,
		Provider:            req.Provider,
		ConnectionID:        req.ConnectionID,
		ProviderConfig:      req.ProviderConfig,
		QueueID:             req.QueueID,
		ProjectID:           req.ProjectID,
		PlaybookID:          req.PlaybookID,
		InputDataTemplate:   req.InputDataTemplate,
		PollIntervalSeconds: req.PollIntervalSeconds,
		Status:              models.MonitorStatusActive,
	}
	if err := s.store.CreateMonitor(c.Request.Context(), monitor); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("Monitor created",
		"monitor_id", monitor.ID, "provider", monitor.Provider, "organization_id", monitor.OrganizationID)
	c.JSON(http.StatusCreated, monitor)
}

// listMonitors handles GET /api/v1/monitors?organization_id=...
func (s *Server) listMonitors(c *gin.Context) {
	orgID := c.Query("organization_id")
	if orgID == "" {
		badRequest(c, "organization_id is required")
		return
	}
	monitors, err := s.store.ListMonitors(c.Request.Context(), orgID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"monitors": monitors})
}

// getMonitor handles GET /api/v1/monitors/:id.
func (s *Server) getMonitor(c *gin.Context) {
	monitor, err := s.store.GetMonitor(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if monitor.DeletedAt != nil {
		s.writeError(c, store.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, monitor)
}

// updateMonitor handles PUT /api/v1/monitors/:id.
func (s *Server) updateMonitor(c *gin.Context) {
	var req UpdateMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	monitor, err := s.store.GetMonitor(c.Request.Context(), c.Param("id"))
	if err != nil || monitor.DeletedAt != nil {
		s.writeError(c, store.ErrNotFound)
		return
	}

	if req.Name != nil {
		monitor.Name = *req.Name
	}
	if req.ProviderConfig != nil {
		monitor.ProviderConfig = req.ProviderConfig
	}
	if req.QueueID != nil {
		monitor.QueueID = *req.QueueID
	}
	if req.ProjectID != nil {
		monitor.ProjectID = *req.ProjectID
	}
	if req.PlaybookID != nil {
		monitor.PlaybookID = *req.PlaybookID
	}
	if req.InputDataTemplate != nil {
		monitor.InputDataTemplate = req.InputDataTemplate
	}
	if req.PollIntervalSeconds != nil {
		if min := int(s.minPollInterval.Seconds()); *req.PollIntervalSeconds < min {
			badRequest(c, fmt.Sprintf("poll_interval_seconds must be at least %d", min))
			return
		}
		monitor.PollIntervalSeconds = *req.PollIntervalSeconds
	}
	if req.ProviderConfig != nil {
		if err := s.validateProviderConfig(c.Request.Context(), monitor.Provider, monitor.ConnectionID, monitor.ProviderConfig); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	if err := s.store.ReplaceMonitorConfig(c.Request.Context(), monitor); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, monitor)
}

// deleteMonitor handles DELETE /api/v1/monitors/:id. Soft delete.
func (s *Server) deleteMonitor(c *gin.Context) {
	if err := s.store.DeleteMonitor(c.Request.Context(), c.Param("id"), time.Now().UTC()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// pauseMonitor handles POST /api/v1/monitors/:id/pause.
func (s *Server) pauseMonitor(c *gin.Context) {
	s.setStatus(c, models.MonitorStatusPaused)
}

// resumeMonitor handles POST /api/v1/monitors/:id/resume. Resuming also
// clears any recorded error so the next tick picks the monitor up.
func (s *Server) resumeMonitor(c *gin.Context) {
	s.setStatus(c, models.MonitorStatusActive)
}

func (s *Server) setStatus(c *gin.Context, status models.MonitorStatus) {
	id := c.Param("id")
	monitor, err := s.store.GetMonitor(c.Request.Context(), id)
	if err != nil || monitor.DeletedAt != nil {
		s.writeError(c, store.ErrNotFound)
		return
	}
	update := store.MonitorUpdate{Status: &status}
	if status == models.MonitorStatusActive {
		clear := ""
		noKind := models.ErrorKindNone
		update.LastError = &clear
		update.LastErrorKind = &noKind
	}
	if err := s.store.UpdateMonitor(c.Request.Context(), id, update); err != nil {
		s.writeError(c, err)
		return
	}
	monitor, err = s.store.GetMonitor(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, monitor)
}

// pollMonitor handles POST /api/v1/monitors/:id/poll. Runs one poll
// immediately, bypassing the schedule.
func (s *Server) pollMonitor(c *gin.Context) {
	if err := s.engine.PollMonitor(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	monitor, err := s.store.GetMonitor(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, monitor)
}

// backfillMonitor handles POST /api/v1/monitors/:id/backfill.
func (s *Server) backfillMonitor(c *gin.Context) {
	var req BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	oldest, err := parseDate(req.Oldest)
	if err != nil {
		badRequest(c, "invalid oldest: must be RFC3339 or 2006-01-02")
		return
	}
	latest := time.Now().UTC()
	if req.Latest != "" {
		if latest, err = parseDate(req.Latest); err != nil {
			badRequest(c, "invalid latest: must be RFC3339 or 2006-01-02")
			return
		}
	}
	if !oldest.Before(latest) {
		badRequest(c, "oldest must precede latest")
		return
	}

	if err := s.engine.Backfill(c.Request.Context(), c.Param("id"), oldest, latest); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "oldest": oldest, "latest": latest})
}

// validateMonitor handles POST /api/v1/monitors/validate: a dry-run
// check of a provider config against a connection.
func (s *Server) validateMonitor(c *gin.Context) {
	var req ValidateMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !req.Provider.Valid() {
		badRequest(c, fmt.Sprintf("unsupported provider %q", req.Provider))
		return
	}
	if err := s.validateProviderConfig(c.Request.Context(), req.Provider, req.ConnectionID, req.ProviderConfig); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// providerScopes handles GET /api/v1/providers/:provider/scopes.
func (s *Server) providerScopes(c *gin.Context) {
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		badRequest(c, fmt.Sprintf("unsupported provider %q", provider))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider": provider,
		"scopes":   adapter.RequiredScopes(provider),
	})
}

// validateProviderConfig builds the adapter for the given connection and
// config and runs its validation.
func (s *Server) validateProviderConfig(ctx context.Context, provider models.Provider, connectionID string, cfg json.RawMessage) error {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("connection %s not found", connectionID)
	}
	access, err := s.decryptor.Decrypt(conn.AccessToken)
	if err != nil {
		return fmt.Errorf("connection credentials unavailable")
	}
	conn.AccessToken = access
	ad, err := adapter.New(provider, conn, cfg, adapter.Options{Logger: s.logger})
	if err != nil {
		return err
	}
	return ad.ValidateConfig()
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
