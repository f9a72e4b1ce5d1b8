// Package api is the HTTP surface of the monitor engine: webhook intake,
// monitor administration, and health.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskops/sentinel/pkg/config"
	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

// Engine is the slice of the monitor engine the API drives.
type Engine interface {
	PollMonitor(ctx context.Context, monitorID string) error
	Backfill(ctx context.Context, monitorID string, oldest, latest time.Time) error
	HandleProviderWebhook(ctx context.Context, provider models.Provider, payload []byte, headers map[string]string) (int, error)
}

// Server holds the API's dependencies.
type Server struct {
	store           store.Store
	decryptor       store.Decryptor
	engine          Engine
	minPollInterval time.Duration
	logger          *slog.Logger
}

// NewServer creates the API server.
func NewServer(st store.Store, decryptor store.Decryptor, eng Engine, cfg config.EngineConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:           st,
		decryptor:       decryptor,
		engine:          eng,
		minPollInterval: cfg.MinPollInterval,
		logger:          logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.POST("/webhooks/:provider", s.providerWebhook)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/monitors", s.createMonitor)
		v1.GET("/monitors", s.listMonitors)
		v1.GET("/monitors/:id", s.getMonitor)
		v1.PUT("/monitors/:id", s.updateMonitor)
		v1.DELETE("/monitors/:id", s.deleteMonitor)
		v1.POST("/monitors/:id/pause", s.pauseMonitor)
		v1.POST("/monitors/:id/resume", s.resumeMonitor)
		v1.POST("/monitors/:id/poll", s.pollMonitor)
		v1.POST("/monitors/:id/backfill", s.backfillMonitor)
		v1.POST("/monitors/validate", s.validateMonitor)
		v1.GET("/providers/:provider/scopes", s.providerScopes)
	}
	return r
}
