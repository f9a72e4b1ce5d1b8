package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskops/sentinel/pkg/version"
)

// health handles GET /health.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Full(),
	})
}
