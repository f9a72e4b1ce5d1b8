package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/taskops/sentinel/pkg/models"
)

const (
	defaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

	// emailProcessedIDCap bounds the processed-id ring carried in
	// email cursors.
	emailProcessedIDCap = 500

	emailPageSize = 20
)

func gmailScopes() []string {
	return []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.metadata",
	}
}

// GmailAdapter polls the Gmail REST API for matching messages. There is
// no push channel here; HandleWebhook accepts payloads but emits
// nothing (watch subscriptions are not modeled).
type GmailAdapter struct {
	rest   *restClient
	email  string
	cfg    models.EmailMonitorConfig
	logger *slog.Logger
}

// NewGmailAdapter builds a Gmail adapter. Options.GmailBaseURL points
// the client at a mock server in tests.
func NewGmailAdapter(conn *models.Connection, cfg models.EmailMonitorConfig, opts Options) *GmailAdapter {
	base := opts.GmailBaseURL
	if base == "" {
		base = defaultGmailBaseURL
	}
	logger := opts.logger().With("component", "gmail_adapter")
	return &GmailAdapter{
		rest:   newRESTClient("gmail", base, conn.AccessToken, opts.timeout(), logger),
		email:  conn.ProviderEmail,
		cfg:    cfg,
		logger: logger,
	}
}

// emailCursor is shared by the Gmail and Outlook adapters: a provider
// position marker plus a bounded ring of already-processed message ids.
type emailCursor struct {
	LastHistoryID        string   `json:"last_history_id,omitempty"`
	LastReceivedDateTime string   `json:"last_received_datetime,omitempty"`
	ProcessedIDs         []string `json:"processed_ids,omitempty"`
}

func (c *emailCursor) seen(id string) bool {
	for _, p := range c.ProcessedIDs {
		if p == id {
			return true
		}
	}
	return false
}

func (c *emailCursor) record(id string) {
	c.ProcessedIDs = append(c.ProcessedIDs, id)
	if len(c.ProcessedIDs) > emailProcessedIDCap {
		c.ProcessedIDs = c.ProcessedIDs[len(c.ProcessedIDs)-emailProcessedIDCap:]
	}
}

func (a *GmailAdapter) ValidateConfig() error {
	return nil // every field is optional; an empty config means "all unread mail"
}

func (a *GmailAdapter) RequiredScopes() []string { return gmailScopes() }

func (a *GmailAdapter) Poll(ctx context.Context, rawCursor json.RawMessage, opts PollOptions) (*PollResult, error) {
	var cur emailCursor
	if len(rawCursor) > 0 {
		if err := json.Unmarshal(rawCursor, &cur); err != nil {
			a.logger.Warn("Ignoring malformed gmail cursor", "error", err)
			cur = emailCursor{}
		}
	}

	query := a.buildQuery(opts)
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", strconv.Itoa(emailPageSize))

	var list struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
	}
	if err := a.rest.getJSON(ctx, "/users/me/messages", q, &list); err != nil {
		return nil, err
	}

	var events []models.AdapterEvent
	for _, ref := range list.Messages {
		if cur.seen(ref.ID) {
			continue
		}
		ev, historyID, ok := a.fetchMessage(ctx, ref.ID)
		cur.record(ref.ID)
		if historyID != "" {
			cur.LastHistoryID = historyID
		}
		if !ok {
			continue
		}
		events = append(events, *ev)
	}

	cursorOut, err := json.Marshal(cur)
	if err != nil {
		cursorOut = rawCursor
	}
	a.logger.Info("Gmail poll complete", "listed", len(list.Messages), "events", len(events))
	return &PollResult{Events: events, Cursor: cursorOut}, nil
}

func (a *GmailAdapter) buildQuery(opts PollOptions) string {
	var parts []string
	if a.cfg.Unread() {
		parts = append(parts, "is:unread")
	}
	if len(a.cfg.Folders) > 0 {
		labels := make([]string, len(a.cfg.Folders))
		for i, f := range a.cfg.Folders {
			labels[i] = "label:" + f
		}
		parts = append(parts, "("+strings.Join(labels, " OR ")+")")
	}
	if len(a.cfg.FromFilter) > 0 {
		parts = append(parts, "from:("+strings.Join(a.cfg.FromFilter, " OR ")+")")
	}
	if !opts.Oldest.IsZero() {
		parts = append(parts, "after:"+opts.Oldest.Format("2006/01/02"))
	}
	if !opts.Latest.IsZero() {
		parts = append(parts, "before:"+opts.Latest.Format("2006/01/02"))
	}
	if len(parts) == 0 {
		parts = append(parts, "in:inbox")
	}
	return strings.Join(parts, " ")
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	HistoryID    string `json:"historyId"`
	InternalDate string `json:"internalDate"`
	Snippet      string `json:"snippet"`
	Payload      struct {
		MimeType string `json:"mimeType"`
		Headers  []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Body struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// fetchMessage loads one message and applies the per-message filters.
// Returns ok=false for messages the filters drop; fetch failures are
// logged and also dropped so one broken message cannot stall the poll.
func (a *GmailAdapter) fetchMessage(ctx context.Context, id string) (*models.AdapterEvent, string, bool) {
	format := "metadata"
	if a.cfg.IncludeBody {
		format = "full"
	}
	q := url.Values{}
	q.Set("format", format)

	var msg gmailMessage
	if err := a.rest.getJSON(ctx, "/users/me/messages/"+id, q, &msg); err != nil {
		a.logger.Warn("Gmail message fetch failed, skipping", "id", id, "error", err)
		return nil, "", false
	}

	if isAutoResponse(msg.header("Auto-Submitted"), msg.header("Precedence"), msg.header("Subject")) {
		return nil, msg.HistoryID, false
	}

	subject := msg.header("Subject")
	body := msg.Snippet
	if a.cfg.IncludeBody {
		if decoded := decodeGmailBody(&msg); decoded != "" {
			body = decoded
		}
	}
	if !matchesEmailKeywords(a.cfg.Keywords, subject, body) {
		return nil, msg.HistoryID, false
	}

	from := parseEmailAddress(msg.header("From"))
	if !matchesFromFilter(a.cfg.FromFilter, from) {
		return nil, msg.HistoryID, false
	}

	ts := parseEpochMillis(msg.InternalDate)
	ev := models.AdapterEvent{
		ProviderEventID: msg.ID,
		EventType:       "email",
		EventData: models.EventData{
			Subject:   subject,
			Text:      body,
			From:      from,
			Permalink: "https://mail.google.com/mail/u/0/#all/" + msg.ThreadID,
			Extra: map[string]any{
				"thread_id":  msg.ThreadID,
				"message_id": msg.ID,
			},
		},
		ProviderTimestamp: ts,
	}
	return &ev, msg.HistoryID, true
}

// HandleWebhook is a no-op: Gmail push requires a watch subscription,
// which is not modeled. Polling is the delivery path.
func (a *GmailAdapter) HandleWebhook(context.Context, []byte, map[string]string) ([]models.AdapterEvent, error) {
	return nil, nil
}

func decodeGmailBody(msg *gmailMessage) string {
	if msg.Payload.Body.Data != "" {
		if b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(msg.Payload.Body.Data); err == nil {
			return string(b)
		}
	}
	for _, p := range msg.Payload.Parts {
		if p.MimeType != "text/plain" || p.Body.Data == "" {
			continue
		}
		if b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(p.Body.Data); err == nil {
			return string(b)
		}
	}
	return ""
}

func isAutoResponse(autoSubmitted, precedence, subject string) bool {
	if autoSubmitted != "" && !strings.EqualFold(autoSubmitted, "no") {
		return true
	}
	switch strings.ToLower(precedence) {
	case "bulk", "auto_reply", "junk":
		return true
	}
	lower := strings.ToLower(subject)
	return strings.HasPrefix(lower, "automatic reply") || strings.HasPrefix(lower, "out of office")
}

func matchesEmailKeywords(keywords []string, subject, body string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(subject + "\n" + body)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchesFromFilter(filter []string, from *models.EmailAddress) bool {
	if len(filter) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	addr := strings.ToLower(from.Email)
	for _, f := range filter {
		if strings.Contains(addr, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

func parseEmailAddress(raw string) *models.EmailAddress {
	if raw == "" {
		return nil
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return &models.EmailAddress{Email: raw}
	}
	return &models.EmailAddress{Email: parsed.Address, Name: parsed.Name}
}

func parseEpochMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
