package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskops/sentinel/pkg/models"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// providerWebhook handles POST /webhooks/:provider. Slack URL
// verification challenges are answered inline; everything else is fanned
// out to matching monitors.
func (s *Server) providerWebhook(c *gin.Context) {
	provider := models.Provider(c.Param("provider"))
	if !provider.Valid() {
		badRequest(c, fmt.Sprintf("unsupported provider %q", provider))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "unreadable payload")
		return
	}

	if provider == models.ProviderSlack {
		var probe struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			badRequest(c, "malformed payload")
			return
		}
		if probe.Type == "url_verification" {
			c.JSON(http.StatusOK, gin.H{"challenge": probe.Challenge})
			return
		}
	}

	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}

	created, err := s.engine.HandleProviderWebhook(c.Request.Context(), provider, payload, headers)
	if err != nil {
		s.logger.Error("Webhook processing failed", "provider", provider, "error", err)
		badRequest(c, "malformed payload")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks_created": created})
}
