package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/taskops/sentinel/pkg/models"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

func outlookScopes() []string {
	return []string{
		"https://graph.microsoft.com/Mail.Read",
		"https://graph.microsoft.com/User.Read",
	}
}

// OutlookAdapter polls the Microsoft Graph mail API. Incremental
// position is the receivedDateTime high-water mark plus a processed-id
// ring (Graph timestamps have second resolution, so the ring breaks
// same-second ties).
type OutlookAdapter struct {
	rest   *restClient
	cfg    models.EmailMonitorConfig
	logger *slog.Logger
}

// NewOutlookAdapter builds an Outlook adapter. Options.GraphBaseURL
// points the client at a mock server in tests.
func NewOutlookAdapter(conn *models.Connection, cfg models.EmailMonitorConfig, opts Options) *OutlookAdapter {
	base := opts.GraphBaseURL
	if base == "" {
		base = defaultGraphBaseURL
	}
	logger := opts.logger().With("component", "outlook_adapter")
	return &OutlookAdapter{
		rest:   newRESTClient("outlook", base, conn.AccessToken, opts.timeout(), logger),
		cfg:    cfg,
		logger: logger,
	}
}

func (a *OutlookAdapter) ValidateConfig() error {
	return nil
}

func (a *OutlookAdapter) RequiredScopes() []string { return outlookScopes() }

type graphMessage struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	Subject          string `json:"subject"`
	BodyPreview      string `json:"bodyPreview"`
	ReceivedDateTime string `json:"receivedDateTime"`
	WebLink          string `json:"webLink"`
	IsRead           bool   `json:"isRead"`
	From             struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

func (a *OutlookAdapter) Poll(ctx context.Context, rawCursor json.RawMessage, opts PollOptions) (*PollResult, error) {
	var cur emailCursor
	if len(rawCursor) > 0 {
		if err := json.Unmarshal(rawCursor, &cur); err != nil {
			a.logger.Warn("Ignoring malformed outlook cursor", "error", err)
			cur = emailCursor{}
		}
	}

	paths := []string{"/me/messages"}
	if len(a.cfg.Folders) > 0 {
		paths = paths[:0]
		for _, folder := range a.cfg.Folders {
			paths = append(paths, "/me/mailFolders/"+url.PathEscape(folder)+"/messages")
		}
	}

	maxReceived := cur.LastReceivedDateTime
	var events []models.AdapterEvent
	for _, path := range paths {
		q := url.Values{}
		q.Set("$top", strconv.Itoa(emailPageSize))
		q.Set("$orderby", "receivedDateTime asc")
		q.Set("$select", "id,conversationId,subject,bodyPreview,receivedDateTime,webLink,isRead,from,body")
		if filter := a.buildFilter(&cur, opts); filter != "" {
			q.Set("$filter", filter)
		}

		var page struct {
			Value []graphMessage `json:"value"`
		}
		if err := a.rest.getJSON(ctx, path, q, &page); err != nil {
			return nil, err
		}

		for i := range page.Value {
			msg := &page.Value[i]
			if msg.ReceivedDateTime > maxReceived {
				maxReceived = msg.ReceivedDateTime
			}
			if cur.seen(msg.ID) {
				continue
			}
			cur.record(msg.ID)
			if ev, ok := a.buildEvent(msg); ok {
				events = append(events, *ev)
			}
		}
	}

	if maxReceived != "" {
		cur.LastReceivedDateTime = maxReceived
	}
	cursorOut, err := json.Marshal(cur)
	if err != nil {
		cursorOut = rawCursor
	}
	a.logger.Info("Outlook poll complete", "events", len(events))
	return &PollResult{Events: events, Cursor: cursorOut}, nil
}

func (a *OutlookAdapter) buildFilter(cur *emailCursor, opts PollOptions) string {
	var parts []string
	if a.cfg.Unread() {
		parts = append(parts, "isRead eq false")
	}
	switch {
	case opts.Backfill():
		if !opts.Oldest.IsZero() {
			parts = append(parts, fmt.Sprintf("receivedDateTime ge %s", opts.Oldest.UTC().Format(time.RFC3339)))
		}
		if !opts.Latest.IsZero() {
			parts = append(parts, fmt.Sprintf("receivedDateTime le %s", opts.Latest.UTC().Format(time.RFC3339)))
		}
	case cur.LastReceivedDateTime != "":
		parts = append(parts, fmt.Sprintf("receivedDateTime ge %s", cur.LastReceivedDateTime))
	}
	return strings.Join(parts, " and ")
}

func (a *OutlookAdapter) buildEvent(msg *graphMessage) (*models.AdapterEvent, bool) {
	if isAutoResponse("", "", msg.Subject) {
		return nil, false
	}
	body := msg.BodyPreview
	if a.cfg.IncludeBody && msg.Body.Content != "" && strings.EqualFold(msg.Body.ContentType, "text") {
		body = msg.Body.Content
	}
	if !matchesEmailKeywords(a.cfg.Keywords, msg.Subject, body) {
		return nil, false
	}
	from := &models.EmailAddress{
		Email: msg.From.EmailAddress.Address,
		Name:  msg.From.EmailAddress.Name,
	}
	if from.Email == "" {
		from = nil
	}
	if !matchesFromFilter(a.cfg.FromFilter, from) {
		return nil, false
	}

	ts, _ := time.Parse(time.RFC3339, msg.ReceivedDateTime)
	return &models.AdapterEvent{
		ProviderEventID: msg.ID,
		EventType:       "email",
		EventData: models.EventData{
			Subject:   msg.Subject,
			Text:      body,
			From:      from,
			Permalink: msg.WebLink,
			Extra: map[string]any{
				"conversation_id": msg.ConversationID,
				"message_id":      msg.ID,
			},
		},
		ProviderTimestamp: ts.UTC(),
	}, true
}

// HandleWebhook is a no-op: Graph change notifications require
// subscription management, which is not modeled. Polling is the
// delivery path.
func (a *OutlookAdapter) HandleWebhook(context.Context, []byte, map[string]string) ([]models.AdapterEvent, error) {
	return nil, nil
}
