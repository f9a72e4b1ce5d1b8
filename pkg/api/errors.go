package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskops/sentinel/pkg/engine"
	"github.com/taskops/sentinel/pkg/store"
)

// writeError maps store and engine errors to HTTP error responses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, engine.ErrPollInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "poll already in progress"})
	case errors.Is(err, store.ErrNoInboxQueue):
		c.JSON(http.StatusConflict, gin.H{"error": "organization has no inbox queue"})
	default:
		s.logger.Error("Unexpected API error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
