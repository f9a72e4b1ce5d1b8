package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskops/sentinel/pkg/models"
)

func TestBuildContextComment(t *testing.T) {
	ev := &models.AdapterEvent{
		EventData: models.EventData{
			Text:      "can you review this?\nit blocks the release",
			User:      "U7",
			UserName:  "dana",
			Permalink: "https://slack.example/p1",
		},
		ProviderTimestamp: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}

	var thread []models.ContextMessage
	for i := 0; i < 14; i++ {
		thread = append(thread, models.ContextMessage{
			UserName: fmt.Sprintf("user%d", i),
			Text:     fmt.Sprintf("reply %d", i),
		})
	}
	thread[3].Text = strings.Repeat("x", 500)

	body := buildContextComment(ev, thread)

	assert.Contains(t, body, "**dana** wrote:")
	assert.Contains(t, body, "> can you review this?")
	assert.Contains(t, body, "> it blocks the release")
	assert.Contains(t, body, "2026-03-02 09:30 UTC")
	assert.Contains(t, body, "Thread replies (10 of 14):")
	assert.Contains(t, body, "reply 9")
	assert.NotContains(t, body, "reply 10")
	assert.Contains(t, body, strings.Repeat("x", 297)+"...")
	assert.NotContains(t, body, strings.Repeat("x", 298))
	assert.True(t, strings.HasSuffix(body, "https://slack.example/p1"))
}

func TestBuildContextCommentNoThread(t *testing.T) {
	ev := &models.AdapterEvent{
		EventData: models.EventData{Text: "ping", User: "U7"},
	}
	body := buildContextComment(ev, nil)
	assert.Contains(t, body, "**U7** wrote:")
	assert.Contains(t, body, "> ping")
	assert.NotContains(t, body, "Thread replies")
}

func TestMechanicalSynthesis(t *testing.T) {
	email := &models.AdapterEvent{
		EventData: models.EventData{
			Subject: "Invoice overdue",
			Text:    "Please pay invoice #991 by Friday.",
			From:    &models.EmailAddress{Name: "Billing", Email: "billing@vendor.example"},
		},
	}
	assert.Equal(t, "[Gmail] Invoice overdue", mechanicalTitle(models.ProviderGmail, email))

	desc := mechanicalDescription(email)
	assert.Contains(t, desc, "From: Billing <billing@vendor.example>")
	assert.Contains(t, desc, "Subject: Invoice overdue")
	assert.Contains(t, desc, "Please pay invoice #991")

	long := &models.AdapterEvent{
		EventData: models.EventData{Subject: strings.Repeat("a", 80)},
	}
	title := mechanicalTitle(models.ProviderOutlook, long)
	assert.Equal(t, "[Outlook] "+strings.Repeat("a", 57)+"...", title)

	empty := &models.AdapterEvent{}
	assert.Equal(t, "[Slack] New message", mechanicalTitle(models.ProviderSlack, empty))
}

func TestBuildInputDataMergesTemplate(t *testing.T) {
	monitor := &models.Monitor{
		InputDataTemplate: map[string]any{
			"playbook_var":   "standup",
			"_monitor_event": "must be overwritten",
		},
	}
	ev := &models.AdapterEvent{
		EventType: "mention",
		EventData: models.EventData{Text: "hello"},
	}

	got := buildInputData(monitor, "ev-1", ev)

	assert.Equal(t, "standup", got["playbook_var"])
	meta, ok := got["_monitor_event"].(map[string]any)
	if assert.True(t, ok, "event entry must override the template") {
		assert.Equal(t, "ev-1", meta["event_id"])
		assert.Equal(t, "mention", meta["event_type"])
	}

	// The template itself is never mutated.
	assert.Equal(t, "must be overwritten", monitor.InputDataTemplate["_monitor_event"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-ten", truncate("exactly-ten", 11))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijk", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
