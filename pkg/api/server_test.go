package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskops/sentinel/pkg/config"
	"github.com/taskops/sentinel/pkg/engine"
	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/secrets"
	"github.com/taskops/sentinel/pkg/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubEngine records calls and returns scripted results.
type stubEngine struct {
	pollErr     error
	polled      []string
	backfills   []string
	oldest      time.Time
	latest      time.Time
	webhooks    int
	webhookErr  error
	tasksMade   int
	lastPayload []byte
}

func (s *stubEngine) PollMonitor(_ context.Context, id string) error {
	s.polled = append(s.polled, id)
	return s.pollErr
}

func (s *stubEngine) Backfill(_ context.Context, id string, oldest, latest time.Time) error {
	s.backfills = append(s.backfills, id)
	s.oldest, s.latest = oldest, latest
	return nil
}

func (s *stubEngine) HandleProviderWebhook(_ context.Context, _ models.Provider, payload []byte, _ map[string]string) (int, error) {
	s.webhooks++
	s.lastPayload = payload
	return s.tasksMade, s.webhookErr
}

type apiFixture struct {
	router *gin.Engine
	store  *memory.Store
	engine *stubEngine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := memory.New()
	st.SeedConnection(&models.Connection{
		ID:             "conn1",
		OrganizationID: "org1",
		Provider:       models.ProviderSlack,
		AccessToken:    "xoxp-token",
		ProviderUserID: "U9",
	})
	st.SeedConnection(&models.Connection{
		ID:             "conn-nouser",
		OrganizationID: "org1",
		Provider:       models.ProviderSlack,
		AccessToken:    "xoxp-token",
	})
	eng := &stubEngine{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(st, secrets.Plaintext{}, eng, config.DefaultEngineConfig(), logger)
	return &apiFixture{router: srv.Router(), store: st, engine: eng}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) createMonitor(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/monitors", gin.H{
		"organization_id": "org1",
		"name":            "mentions",
		"provider":        "slack",
		"connection_id":   "conn1",
		"provider_config": gin.H{"my_mentions": true},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var got models.Monitor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	return got.ID
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestCreateMonitor(t *testing.T) {
	f := newAPIFixture(t)

	id := f.createMonitor(t)
	assert.NotEmpty(t, id)

	w := f.do(t, http.MethodGet, "/api/v1/monitors/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Monitor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.MonitorStatusActive, got.Status)
	assert.Equal(t, defaultPollIntervalSeconds, got.PollIntervalSeconds)

	t.Run("rejects sub-minimum poll interval", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/monitors", gin.H{
			"organization_id":       "org1",
			"name":                  "fast",
			"provider":              "slack",
			"connection_id":         "conn1",
			"provider_config":       gin.H{"my_mentions": true},
			"poll_interval_seconds": 5,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "poll_interval_seconds")
	})

	t.Run("rejects my_mentions without a provider user", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/monitors", gin.H{
			"organization_id": "org1",
			"name":            "mentions",
			"provider":        "slack",
			"connection_id":   "conn-nouser",
			"provider_config": gin.H{"my_mentions": true},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects slack config with no scope at all", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/monitors", gin.H{
			"organization_id": "org1",
			"name":            "empty",
			"provider":        "slack",
			"connection_id":   "conn1",
			"provider_config": gin.H{},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/monitors", gin.H{
			"organization_id": "org1",
			"name":            "x",
			"provider":        "teams",
			"connection_id":   "conn1",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMonitorLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createMonitor(t)

	w := f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"paused"`)

	w = f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"active"`)

	w = f.do(t, http.MethodPut, "/api/v1/monitors/"+id, gin.H{
		"name":                  "renamed",
		"poll_interval_seconds": 120,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"renamed"`)

	w = f.do(t, http.MethodDelete, "/api/v1/monitors/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/monitors/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/monitors?organization_id=org1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), id)
}

func TestPollNow(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createMonitor(t)

	w := f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/poll", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{id}, f.engine.polled)

	t.Run("in-flight poll conflicts", func(t *testing.T) {
		f.engine.pollErr = engine.ErrPollInProgress
		w := f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/poll", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestBackfill(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createMonitor(t)

	w := f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/backfill", gin.H{
		"oldest": "2025-01-01",
		"latest": "2025-01-07",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{id}, f.engine.backfills)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), f.engine.oldest)
	assert.Equal(t, time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC), f.engine.latest)

	t.Run("rejects inverted window", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/backfill", gin.H{
			"oldest": "2025-02-01",
			"latest": "2025-01-01",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects malformed dates", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/monitors/"+id+"/backfill", gin.H{
			"oldest": "last tuesday",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateMonitor(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/monitors/validate", gin.H{
		"provider":        "slack",
		"connection_id":   "conn1",
		"provider_config": gin.H{"channel_ids": []string{"C1"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":true`)

	w = f.do(t, http.MethodPost, "/api/v1/monitors/validate", gin.H{
		"provider":        "slack",
		"connection_id":   "conn-nouser",
		"provider_config": gin.H{"my_mentions": true},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":false`)
}

func TestProviderScopes(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/providers/slack/scopes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "search:read")

	w = f.do(t, http.MethodGet, "/api/v1/providers/teams/scopes", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlackWebhookEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("url verification echoes the challenge", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/webhooks/slack", gin.H{
			"type":      "url_verification",
			"challenge": "abc123",
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "abc123")
		assert.Zero(t, f.engine.webhooks)
	})

	t.Run("event callbacks reach the engine", func(t *testing.T) {
		f.engine.tasksMade = 2
		w := f.do(t, http.MethodPost, "/webhooks/slack", gin.H{
			"type":  "event_callback",
			"event": gin.H{"type": "app_mention", "text": "<@U9> hi"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, f.engine.webhooks)
		assert.Contains(t, w.Body.String(), `"tasks_created":2`)
		assert.Contains(t, string(f.engine.lastPayload), "app_mention")
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/webhooks/teams", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
