package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskops/sentinel/pkg/models"
	"github.com/taskops/sentinel/pkg/store"
)

// processEvent runs one adapter event through the pipeline: dedup,
// persist, triage, synthesis, cross-monitor dedup, queue selection,
// task creation, context comment, reply suggestion. Returns whether a
// task was created.
func (e *Engine) processEvent(ctx context.Context, monitor *models.Monitor, ev models.AdapterEvent) (bool, error) {
	// The poll budget bounds processing too.
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logger := e.logger.With("monitor_id", monitor.ID, "event_id", ev.ProviderEventID)

	// 1. Per-monitor dedup.
	if _, err := e.store.LookupEvent(ctx, monitor.ID, ev.ProviderEventID); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("event lookup: %w", err)
	}

	// 2. Persist the audit record before any triage can drop the event.
	record := &models.MonitorEvent{
		MonitorID:         monitor.ID,
		ProviderEventID:   ev.ProviderEventID,
		EventType:         ev.EventType,
		EventData:         ev.EventData,
		ContextData:       ev.ContextData,
		ProviderTimestamp: ev.ProviderTimestamp,
	}
	if err := e.store.InsertEvent(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			// A concurrent worker won the insert; benign.
			return false, nil
		}
		return false, fmt.Errorf("event insert: %w", err)
	}

	text := ev.EventData.Text
	thread := threadMessages(ev.ContextData)
	mentionMode := e.isMentionMonitor(monitor)

	// 3. AI triage, Slack mentions only. Both checks fail open.
	if mentionMode {
		if !e.triage.IsActionable(ctx, text, capMessages(thread, 5)) {
			logger.Info("Dropping non-actionable mention", "text", truncate(text, 120))
			return false, nil
		}
		if e.triage.IsAlreadyHandled(ctx, text, capMessages(thread, 20)) {
			logger.Info("Dropping already-handled mention", "text", truncate(text, 120))
			return false, nil
		}
		// Urgency is recorded in the log only; priority stays fixed.
		if e.triage.IsUrgent(ctx, text, capMessages(thread, 5)) {
			logger.Info("Mention classified urgent", "text", truncate(text, 120))
		}
	}

	// 4. Title and description.
	title, description := e.synthesize(ctx, monitor, &ev, mentionMode)

	// 5. Cross-monitor dedup by source URL.
	sourceURL := ev.EventData.Permalink
	if sourceURL != "" {
		if existing, err := e.store.FindTaskBySourceURL(ctx, monitor.OrganizationID, sourceURL); err == nil {
			logger.Info("Dropping event already captured by another monitor",
				"source_url", sourceURL, "task_id", existing.ID)
			return false, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("source url lookup: %w", err)
		}
	}

	// 6. Queue selection.
	queueID := monitor.QueueID
	if queueID == "" {
		var err error
		queueID, err = e.store.FindInboxQueue(ctx, monitor.OrganizationID)
		if err != nil {
			return false, fmt.Errorf("selecting queue: %w", err)
		}
	}

	// 7. Task creation.
	task := &models.Task{
		OrganizationID:   monitor.OrganizationID,
		QueueID:          queueID,
		ProjectID:        monitor.ProjectID,
		Title:            title,
		Description:      description,
		Status:           models.TaskStatusQueued,
		Priority:         models.DefaultTaskPriority,
		SourceMonitorID:  monitor.ID,
		SourcePlaybookID: monitor.PlaybookID,
		SourceURL:        sourceURL,
		InputData:        buildInputData(monitor, record.ID, &ev),
	}
	taskID, err := e.store.InsertTask(ctx, task)
	if err != nil {
		return false, fmt.Errorf("task insert: %w", err)
	}
	if err := e.store.MarkEventProcessed(ctx, record.ID, taskID); err != nil {
		return false, fmt.Errorf("marking event processed: %w", err)
	}

	// 8. Context comment, Slack only. Failures never undo the task.
	if monitor.Provider == models.ProviderSlack {
		comment := &models.Comment{
			TaskID:   taskID,
			UserID:   models.SystemCommentUserID,
			UserName: models.SlackMonitorAuthor,
			Body:     buildContextComment(&ev, thread),
		}
		if err := e.store.InsertComment(ctx, comment); err != nil {
			logger.Warn("Context comment insert failed", "task_id", taskID, "error", err)
		}
	}

	// 9. Reply suggestion for conversational providers.
	e.suggestReply(ctx, monitor, &ev, taskID, thread, logger)

	logger.Info("Task created", "task_id", taskID, "queue_id", queueID, "title", title)
	return true, nil
}

// isMentionMonitor reports whether the monitor is a Slack my_mentions
// monitor, the only shape that gets AI triage.
func (e *Engine) isMentionMonitor(monitor *models.Monitor) bool {
	if monitor.Provider != models.ProviderSlack || len(monitor.ProviderConfig) == 0 {
		return false
	}
	var cfg models.SlackMonitorConfig
	if err := json.Unmarshal(monitor.ProviderConfig, &cfg); err != nil {
		return false
	}
	return cfg.MyMentions
}

// synthesize produces the task title and description: AI for Slack
// mentions, mechanical templates for everything else.
func (e *Engine) synthesize(ctx context.Context, monitor *models.Monitor, ev *models.AdapterEvent, mentionMode bool) (string, string) {
	if mentionMode {
		thread := threadMessages(ev.ContextData)
		sender := ev.EventData.UserName
		if sender == "" {
			sender = ev.EventData.User
		}
		title := e.triage.GenerateTitle(ctx, ev.EventData.Text, capMessages(thread, 10), sender, "")
		description := e.triage.GenerateDescription(ctx, ev.EventData.Text, capMessages(thread, 10), sender)
		return title, description
	}
	return mechanicalTitle(monitor.Provider, ev), mechanicalDescription(ev)
}

var providerLabels = map[models.Provider]string{
	models.ProviderSlack:   "Slack",
	models.ProviderGmail:   "Gmail",
	models.ProviderOutlook: "Outlook",
	models.ProviderGitHub:  "GitHub",
}

func mechanicalTitle(provider models.Provider, ev *models.AdapterEvent) string {
	label := providerLabels[provider]
	if label == "" {
		label = string(provider)
	}
	subject := ev.EventData.Subject
	if subject == "" {
		subject = ev.EventData.Text
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "New message"
	}
	return fmt.Sprintf("[%s] %s", label, truncate(subject, 60))
}

func mechanicalDescription(ev *models.AdapterEvent) string {
	var b strings.Builder
	if ev.EventData.From != nil {
		from := ev.EventData.From.Email
		if ev.EventData.From.Name != "" {
			from = fmt.Sprintf("%s <%s>", ev.EventData.From.Name, ev.EventData.From.Email)
		}
		fmt.Fprintf(&b, "From: %s\n", from)
	} else if ev.EventData.UserName != "" {
		fmt.Fprintf(&b, "From: %s\n", ev.EventData.UserName)
	}
	if ev.EventData.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", ev.EventData.Subject)
	}
	if ev.EventData.Text != "" {
		fmt.Fprintf(&b, "\n%s", truncate(ev.EventData.Text, 1000))
	}
	return strings.TrimSpace(b.String())
}

// buildInputData merges the monitor's template with the event record,
// right-biased: the event entry always wins.
func buildInputData(monitor *models.Monitor, eventID string, ev *models.AdapterEvent) map[string]any {
	out := make(map[string]any, len(monitor.InputDataTemplate)+1)
	for k, v := range monitor.InputDataTemplate {
		out[k] = v
	}
	out["_monitor_event"] = map[string]any{
		"event_id":           eventID,
		"event_type":         ev.EventType,
		"event_data":         ev.EventData,
		"context_data":       ev.ContextData,
		"provider_timestamp": ev.ProviderTimestamp,
	}
	return out
}

// suggestReply drafts a reply for Slack and Gmail events and stores it
// as a task suggestion. Best effort only.
func (e *Engine) suggestReply(ctx context.Context, monitor *models.Monitor, ev *models.AdapterEvent, taskID string, thread []models.ContextMessage, logger *slog.Logger) {
	var suggestionType string
	var providerData map[string]any
	switch monitor.Provider {
	case models.ProviderSlack:
		suggestionType = models.SuggestionTypeSlackReply
		threadTS := ev.EventData.ThreadTS
		if threadTS == "" {
			threadTS = ev.EventData.TS
		}
		providerData = map[string]any{
			"channel_id": ev.EventData.ChannelID,
			"thread_ts":  threadTS,
		}
	case models.ProviderGmail:
		suggestionType = models.SuggestionTypeGmailReply
		providerData = map[string]any{
			"message_id": ev.ProviderEventID,
		}
		if ev.EventData.Extra != nil {
			if threadID, ok := ev.EventData.Extra["thread_id"]; ok {
				providerData["thread_id"] = threadID
			}
		}
		if ev.EventData.From != nil {
			providerData["to"] = ev.EventData.From.Email
		}
	default:
		return
	}

	sender := ev.EventData.UserName
	if sender == "" && ev.EventData.From != nil {
		sender = ev.EventData.From.Email
	}
	draft := e.triage.GenerateReplyDraft(ctx, ev.EventData.Text, capMessages(thread, 10), sender, ev.EventData.ChannelID)
	if draft == "" {
		return
	}
	suggestion := &models.TaskSuggestion{
		TaskID:         taskID,
		SuggestionType: suggestionType,
		Content:        draft,
		ProviderData:   providerData,
	}
	if err := e.store.InsertSuggestion(ctx, suggestion); err != nil {
		logger.Warn("Reply suggestion insert failed", "task_id", taskID, "error", err)
	}
}

func threadMessages(cd *models.ContextData) []models.ContextMessage {
	if cd == nil {
		return nil
	}
	return cd.Thread
}

func capMessages(msgs []models.ContextMessage, n int) []models.ContextMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[:n]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
