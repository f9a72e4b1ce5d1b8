package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/taskops/sentinel/pkg/models"
)

const (
	// slackSearchCount is the page size for search.messages.
	slackSearchCount = 50

	// slackThreadReplyCap bounds how many thread replies are captured
	// per event, across pagination.
	slackThreadReplyCap = 400

	slackHistoryLimit = 100

	// slackWindowPageCap bounds how far the after side of a context
	// window pages through a busy channel.
	slackWindowPageCap = 10
)

func slackScopes() []string {
	return []string{
		"channels:history",
		"channels:read",
		"groups:history",
		"groups:read",
		"search:read",
		"users:read",
	}
}

// SlackAdapter polls Slack via the Web API. In my_mentions mode it uses
// search.messages (one call per poll); in channel mode it walks
// conversations.history per configured channel.
type SlackAdapter struct {
	api     *slack.Client
	userID  string
	cfg     models.SlackMonitorConfig
	users   *userCache
	logger  *slog.Logger
	timeout time.Duration
}

// NewSlackAdapter builds a Slack adapter from a decrypted connection
// and monitor config. Options.SlackAPIURL points the client at a mock
// server in tests.
func NewSlackAdapter(conn *models.Connection, cfg models.SlackMonitorConfig, opts Options) *SlackAdapter {
	clientOpts := []slack.Option{}
	if opts.SlackAPIURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(opts.SlackAPIURL))
	}
	return &SlackAdapter{
		api:     slack.New(conn.AccessToken, clientOpts...),
		userID:  conn.ProviderUserID,
		cfg:     cfg,
		users:   newUserCache(256),
		logger:  opts.logger().With("component", "slack_adapter"),
		timeout: opts.timeout(),
	}
}

// slackMentionsCursor is the cursor for my_mentions mode.
type slackMentionsCursor struct {
	LastSeenTS string `json:"last_seen_ts"`
}

// channel mode cursor: channel id -> latest seen ts.
type slackChannelCursor map[string]string

func (a *SlackAdapter) ValidateConfig() error {
	if a.cfg.MyMentions {
		if a.userID == "" {
			return fmt.Errorf("my_mentions requires the connection's provider user id")
		}
		return nil
	}
	if len(a.cfg.ChannelIDs) == 0 && !a.cfg.WorkspaceWide {
		return fmt.Errorf("slack monitor needs channel_ids, workspace_wide, or my_mentions")
	}
	return nil
}

func (a *SlackAdapter) RequiredScopes() []string { return slackScopes() }

func (a *SlackAdapter) Poll(ctx context.Context, cursor json.RawMessage, opts PollOptions) (*PollResult, error) {
	if err := a.ValidateConfig(); err != nil {
		return nil, Permanent("slack.validate", err)
	}
	if a.cfg.MyMentions {
		return a.pollMentions(ctx, cursor, opts)
	}
	return a.pollChannels(ctx, cursor, opts)
}

// pollMentions runs one search.messages call for messages mentioning
// the connection's user, newest first. The cursor advances to the max
// ts across every returned match, including ones the filters drop, so
// a poll never re-scans the same window.
func (a *SlackAdapter) pollMentions(ctx context.Context, rawCursor json.RawMessage, opts PollOptions) (*PollResult, error) {
	var cur slackMentionsCursor
	if len(rawCursor) > 0 {
		if err := json.Unmarshal(rawCursor, &cur); err != nil {
			a.logger.Warn("Ignoring malformed mentions cursor", "error", err)
		}
	}

	query := fmt.Sprintf("<@%s>", a.userID)
	if !opts.Oldest.IsZero() {
		query += " after:" + opts.Oldest.Format("2006-01-02")
	}
	if !opts.Latest.IsZero() {
		query += " before:" + opts.Latest.Format("2006-01-02")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	results, err := a.api.SearchMessagesContext(callCtx, query, slack.SearchParameters{
		Sort:          "timestamp",
		SortDirection: "desc",
		Count:         slackSearchCount,
	})
	if err != nil {
		return nil, Classify("slack.search", err)
	}

	maxTS := cur.LastSeenTS
	var events []models.AdapterEvent
	for i := range results.Matches {
		m := &results.Matches[i]
		if tsAfter(m.Timestamp, maxTS) {
			maxTS = m.Timestamp
		}
		if !opts.Backfill() && cur.LastSeenTS != "" && !tsAfter(m.Timestamp, cur.LastSeenTS) {
			continue
		}
		// Search hits carry no subtype; messages without a user id are
		// bot or system posts.
		if m.User == "" {
			continue
		}
		if !a.matchesKeywords(m.Text) {
			continue
		}
		events = append(events, a.buildSearchEvent(ctx, m))
	}

	cursorOut := rawCursor
	if maxTS != "" {
		if b, err := json.Marshal(slackMentionsCursor{LastSeenTS: maxTS}); err == nil {
			cursorOut = b
		}
	}
	a.logger.Info("Slack mentions poll complete",
		"matches", len(results.Matches), "events", len(events), "cursor_ts", maxTS)
	return &PollResult{Events: events, Cursor: cursorOut}, nil
}

func (a *SlackAdapter) buildSearchEvent(ctx context.Context, m *slack.SearchMessage) models.AdapterEvent {
	permalink := m.Permalink
	if permalink == "" {
		permalink = a.permalink(ctx, m.Channel.ID, m.Timestamp)
	}
	userName := m.Username
	if userName == "" {
		userName = a.resolveUser(ctx, m.User)
	}
	data := models.EventData{
		Text:      m.Text,
		ChannelID: m.Channel.ID,
		User:      m.User,
		UserName:  userName,
		TS:        m.Timestamp,
		Permalink: permalink,
		Extra:     map[string]any{"channel_name": m.Channel.Name},
	}
	var cd *models.ContextData
	if a.cfg.ContextMessages > 0 {
		cd = a.fetchContext(ctx, m.Channel.ID, m.Timestamp)
	}
	return models.AdapterEvent{
		ProviderEventID:   m.Channel.ID + ":" + m.Timestamp,
		EventType:         "mention",
		EventData:         data,
		ContextData:       cd,
		ProviderTimestamp: parseSlackTS(m.Timestamp),
	}
}

// pollChannels walks conversations.history for each configured channel
// (or every accessible channel when workspace_wide), advancing a
// per-channel ts cursor.
func (a *SlackAdapter) pollChannels(ctx context.Context, rawCursor json.RawMessage, opts PollOptions) (*PollResult, error) {
	cur := slackChannelCursor{}
	if len(rawCursor) > 0 {
		if err := json.Unmarshal(rawCursor, &cur); err != nil {
			a.logger.Warn("Ignoring malformed channel cursor", "error", err)
			cur = slackChannelCursor{}
		}
	}

	channels := a.cfg.ChannelIDs
	if len(channels) == 0 {
		var err error
		channels, err = a.listChannels(ctx)
		if err != nil {
			return nil, err
		}
	}

	var events []models.AdapterEvent
	for _, channelID := range channels {
		params := &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Limit:     slackHistoryLimit,
		}
		if opts.Backfill() {
			if !opts.Oldest.IsZero() {
				params.Oldest = strconv.FormatInt(opts.Oldest.Unix(), 10) + ".000000"
			}
			if !opts.Latest.IsZero() {
				params.Latest = strconv.FormatInt(opts.Latest.Unix(), 10) + ".000000"
			}
		} else if last := cur[channelID]; last != "" {
			params.Oldest = last
		}

		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		resp, err := a.api.GetConversationHistoryContext(callCtx, params)
		cancel()
		if err != nil {
			return nil, Classify("slack.history", err)
		}

		maxTS := cur[channelID]
		for i := range resp.Messages {
			msg := &resp.Messages[i]
			if tsAfter(msg.Timestamp, maxTS) {
				maxTS = msg.Timestamp
			}
			if isSystemSubtype(msg.SubType) || msg.BotID != "" {
				continue
			}
			if !a.matchesKeywords(msg.Text) {
				continue
			}
			if !a.mentionsTaggedUser(msg.Text) {
				continue
			}
			events = append(events, a.buildChannelEvent(ctx, channelID, msg))
		}
		if maxTS != "" {
			cur[channelID] = maxTS
		}
	}

	cursorOut, err := json.Marshal(cur)
	if err != nil {
		cursorOut = rawCursor
	}
	a.logger.Info("Slack channel poll complete", "channels", len(channels), "events", len(events))
	return &PollResult{Events: events, Cursor: cursorOut}, nil
}

func (a *SlackAdapter) buildChannelEvent(ctx context.Context, channelID string, msg *slack.Message) models.AdapterEvent {
	data := models.EventData{
		Text:      msg.Text,
		ChannelID: channelID,
		User:      msg.User,
		UserName:  a.resolveUser(ctx, msg.User),
		TS:        msg.Timestamp,
		ThreadTS:  msg.ThreadTimestamp,
		Permalink: a.permalink(ctx, channelID, msg.Timestamp),
	}
	var cd *models.ContextData
	if a.cfg.ContextMessages > 0 {
		cd = a.fetchContext(ctx, channelID, msg.Timestamp)
	}
	return models.AdapterEvent{
		ProviderEventID:   channelID + ":" + msg.Timestamp,
		EventType:         "message",
		EventData:         data,
		ContextData:       cd,
		ProviderTimestamp: parseSlackTS(msg.Timestamp),
	}
}

func (a *SlackAdapter) listChannels(ctx context.Context) ([]string, error) {
	var out []string
	cursor := ""
	for {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		channels, next, err := a.api.GetConversationsContext(callCtx, &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           200,
			Types:           []string{"public_channel"},
		})
		cancel()
		if err != nil {
			return nil, Classify("slack.conversations", err)
		}
		for _, ch := range channels {
			out = append(out, ch.ID)
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// HandleWebhook accepts one Slack Events API event_callback payload.
// The url_verification handshake happens upstream in the HTTP layer.
func (a *SlackAdapter) HandleWebhook(ctx context.Context, payload []byte, _ map[string]string) ([]models.AdapterEvent, error) {
	var envelope struct {
		Type  string `json:"type"`
		Event struct {
			Type     string `json:"type"`
			SubType  string `json:"subtype"`
			User     string `json:"user"`
			BotID    string `json:"bot_id"`
			Text     string `json:"text"`
			TS       string `json:"ts"`
			ThreadTS string `json:"thread_ts"`
			Channel  string `json:"channel"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, Permanent("slack.webhook", fmt.Errorf("malformed payload: %w", err))
	}
	if envelope.Type != "event_callback" {
		return nil, nil
	}
	ev := envelope.Event
	if isSystemSubtype(ev.SubType) || ev.BotID != "" {
		return nil, nil
	}
	if a.cfg.MyMentions && !strings.Contains(ev.Text, "<@"+a.userID+">") {
		return nil, nil
	}
	if !a.matchesKeywords(ev.Text) {
		return nil, nil
	}

	data := models.EventData{
		Text:      ev.Text,
		ChannelID: ev.Channel,
		User:      ev.User,
		UserName:  a.resolveUser(ctx, ev.User),
		TS:        ev.TS,
		ThreadTS:  ev.ThreadTS,
		Permalink: a.permalink(ctx, ev.Channel, ev.TS),
	}
	var cd *models.ContextData
	if a.cfg.ContextMessages > 0 {
		cd = a.fetchContext(ctx, ev.Channel, ev.TS)
	}
	return []models.AdapterEvent{{
		ProviderEventID:   ev.Channel + ":" + ev.TS,
		EventType:         ev.Type,
		EventData:         data,
		ContextData:       cd,
		ProviderTimestamp: parseSlackTS(ev.TS),
	}}, nil
}

// fetchContext captures the conversation around a message. A threaded
// message gets all replies up to the cap; a bare one gets a window of
// messages before and after. Failures degrade to no context.
func (a *SlackAdapter) fetchContext(ctx context.Context, channelID, ts string) *models.ContextData {
	thread := a.fetchThread(ctx, channelID, ts)
	if len(thread) > 0 {
		return &models.ContextData{Thread: thread}
	}
	before, after := a.fetchWindow(ctx, channelID, ts)
	if len(before) == 0 && len(after) == 0 {
		return nil
	}
	return &models.ContextData{Before: before, After: after}
}

func (a *SlackAdapter) fetchThread(ctx context.Context, channelID, ts string) []models.ContextMessage {
	var replies []models.ContextMessage
	cursor := ""
	for {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		msgs, hasMore, next, err := a.api.GetConversationRepliesContext(callCtx, &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: ts,
			Cursor:    cursor,
			Limit:     200,
		})
		cancel()
		if err != nil {
			a.logger.Warn("Thread fetch failed, emitting event without context",
				"channel", channelID, "ts", ts, "error", err)
			return nil
		}
		for i := range msgs {
			if msgs[i].Timestamp == ts {
				continue // the root message itself
			}
			replies = append(replies, a.toContextMessage(ctx, &msgs[i]))
			if len(replies) >= slackThreadReplyCap {
				return replies
			}
		}
		if !hasMore || next == "" {
			return replies
		}
		cursor = next
	}
}

func (a *SlackAdapter) fetchWindow(ctx context.Context, channelID, ts string) (before, after []models.ContextMessage) {
	n := a.cfg.ContextMessages

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	resp, err := a.api.GetConversationHistoryContext(callCtx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    ts,
		Limit:     n,
	})
	cancel()
	if err != nil {
		a.logger.Warn("Context window fetch failed", "channel", channelID, "error", err)
		return nil, nil
	}
	// History returns newest first; reverse into chronological order.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		before = append(before, a.toContextMessage(ctx, &resp.Messages[i]))
	}

	return before, a.fetchAfter(ctx, channelID, ts, n)
}

// fetchAfter collects the n messages immediately following ts. History
// only pages newest first, so the range above ts is walked to its
// oldest page and the tail kept; asking for Oldest+Limit directly would
// return the newest n in the range instead.
func (a *SlackAdapter) fetchAfter(ctx context.Context, channelID, ts string, n int) []models.ContextMessage {
	var tail []slack.Message
	cursor := ""
	for page := 0; page < slackWindowPageCap; page++ {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		resp, err := a.api.GetConversationHistoryContext(callCtx, &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Oldest:    ts,
			Limit:     slackHistoryLimit,
			Cursor:    cursor,
		})
		cancel()
		if err != nil {
			a.logger.Warn("Context window fetch failed", "channel", channelID, "error", err)
			return nil
		}
		tail = append(tail, resp.Messages...)
		if len(tail) > n+1 {
			tail = tail[len(tail)-(n+1):]
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}

	var after []models.ContextMessage
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Timestamp == ts {
			continue
		}
		after = append(after, a.toContextMessage(ctx, &tail[i]))
		if len(after) == n {
			break
		}
	}
	return after
}

func (a *SlackAdapter) toContextMessage(ctx context.Context, msg *slack.Message) models.ContextMessage {
	return models.ContextMessage{
		User:     msg.User,
		UserName: a.resolveUser(ctx, msg.User),
		Text:     msg.Text,
		TS:       msg.Timestamp,
	}
}

// resolveUser turns a user id into a display name through the LRU
// cache. Lookup failures degrade to the raw id.
func (a *SlackAdapter) resolveUser(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok := a.users.get(userID); ok {
		return name
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	user, err := a.api.GetUserInfoContext(callCtx, userID)
	if err != nil {
		a.logger.Debug("User resolve failed, using raw id", "user", userID, "error", err)
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	a.users.put(userID, name)
	return name
}

func (a *SlackAdapter) permalink(ctx context.Context, channelID, ts string) string {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	link, err := a.api.GetPermalinkContext(callCtx, &slack.PermalinkParameters{
		Channel: channelID,
		Ts:      ts,
	})
	if err != nil {
		a.logger.Debug("Permalink fetch failed, emitting event without link",
			"channel", channelID, "ts", ts, "error", err)
		return ""
	}
	return link
}

func (a *SlackAdapter) matchesKeywords(text string) bool {
	if len(a.cfg.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range a.cfg.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (a *SlackAdapter) mentionsTaggedUser(text string) bool {
	if len(a.cfg.TaggedUserIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.TaggedUserIDs {
		if strings.Contains(text, "<@"+id+">") {
			return true
		}
	}
	return false
}

func isSystemSubtype(subtype string) bool {
	switch subtype {
	case "bot_message", "channel_join", "channel_leave":
		return true
	}
	return false
}

// tsAfter reports whether slack ts a is strictly later than b. Slack
// timestamps are decimal seconds and do not compare lexicographically.
func tsAfter(a, b string) bool {
	if b == "" {
		return a != ""
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return a > b
	}
	return fa > fb
}

func parseSlackTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
