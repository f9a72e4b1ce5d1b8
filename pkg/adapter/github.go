package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskops/sentinel/pkg/models"
)

const (
	defaultGitHubBaseURL = "https://api.github.com"

	// githubPushCommitCap bounds how many commit messages a push event
	// carries into the task body.
	githubPushCommitCap = 10
)

func githubScopes() []string {
	return []string{"repo", "read:org", "admin:repo_hook"}
}

// Events API type names keyed to the config's event_type vocabulary.
var githubEventAliases = map[string]string{
	"PullRequestEvent":              "pull_request",
	"IssuesEvent":                   "issues",
	"PushEvent":                     "push",
	"IssueCommentEvent":             "issue_comment",
	"PullRequestReviewEvent":        "pull_request_review",
	"PullRequestReviewCommentEvent": "pull_request_review_comment",
}

// X-GitHub-Event webhook names keyed back to Events API type names.
var githubWebhookEvents = map[string]string{
	"pull_request":                "PullRequestEvent",
	"issues":                      "IssuesEvent",
	"push":                        "PushEvent",
	"issue_comment":               "IssueCommentEvent",
	"pull_request_review":         "PullRequestReviewEvent",
	"pull_request_review_comment": "PullRequestReviewCommentEvent",
}

// GitHubAdapter watches one repository through the Events API, with
// ETag revalidation so unchanged polls cost no rate limit, and accepts
// signed webhook deliveries for the same event types.
type GitHubAdapter struct {
	rest   *restClient
	cfg    models.GitHubMonitorConfig
	logger *slog.Logger
}

// NewGitHubAdapter builds a GitHub adapter. Options.GitHubBaseURL
// points the client at a mock server in tests.
func NewGitHubAdapter(conn *models.Connection, cfg models.GitHubMonitorConfig, opts Options) *GitHubAdapter {
	base := opts.GitHubBaseURL
	if base == "" {
		base = defaultGitHubBaseURL
	}
	logger := opts.logger().With("component", "github_adapter")
	rest := newRESTClient("github", base, conn.AccessToken, opts.timeout(), logger)
	rest.headers = map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	return &GitHubAdapter{rest: rest, cfg: cfg, logger: logger}
}

// githubCursor is the poll position: the ETag of the last events page
// and the newest event id already scanned.
type githubCursor struct {
	ETag        string `json:"etag,omitempty"`
	LastEventID string `json:"last_event_id,omitempty"`
}

type githubLabel struct {
	Name string `json:"name"`
}

type githubCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

type githubComment struct {
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// githubIssueLike covers the shared shape of pull requests and issues.
type githubIssueLike struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []githubLabel `json:"labels"`
	Base   *struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head *struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type githubPayload struct {
	Action      string           `json:"action"`
	Ref         string           `json:"ref"`
	Before      string           `json:"before"`
	Head        string           `json:"head"`
	Commits     []githubCommit   `json:"commits"`
	PullRequest *githubIssueLike `json:"pull_request"`
	Issue       *githubIssueLike `json:"issue"`
	Comment     *githubComment   `json:"comment"`
}

type githubEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"actor"`
	Payload   githubPayload `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

func (a *GitHubAdapter) ValidateConfig() error {
	if a.cfg.Owner == "" || a.cfg.Repo == "" {
		return fmt.Errorf("github monitor needs owner and repo")
	}
	return nil
}

func (a *GitHubAdapter) RequiredScopes() []string { return githubScopes() }

func (a *GitHubAdapter) Poll(ctx context.Context, rawCursor json.RawMessage, opts PollOptions) (*PollResult, error) {
	if err := a.ValidateConfig(); err != nil {
		return nil, Permanent("github.validate", err)
	}
	var cur githubCursor
	if len(rawCursor) > 0 {
		if err := json.Unmarshal(rawCursor, &cur); err != nil {
			a.logger.Warn("Ignoring malformed github cursor", "error", err)
			cur = githubCursor{}
		}
	}

	etag := cur.ETag
	if opts.Backfill() {
		// A revalidated 304 would hide the requested window.
		etag = ""
	}

	repo := a.cfg.Owner + "/" + a.cfg.Repo
	var raw []githubEvent
	newETag, notModified, err := a.rest.getJSONConditional(ctx, "/repos/"+repo+"/events", nil, etag, &raw)
	if err != nil {
		return nil, err
	}
	if notModified {
		a.logger.Debug("GitHub events not modified", "repo", repo)
		return &PollResult{Cursor: rawCursor}, nil
	}

	next := cur
	if newETag != "" {
		next.ETag = newETag
	}
	var events []models.AdapterEvent
	for i := range raw {
		e := &raw[i]
		// The page is newest first; the head becomes the new scan mark.
		if i == 0 {
			next.LastEventID = e.ID
		}
		if !opts.Backfill() && cur.LastEventID != "" && e.ID == cur.LastEventID {
			break
		}
		if opts.Backfill() && !githubWithinWindow(e.CreatedAt, opts) {
			continue
		}
		if !a.monitored(e.Type) {
			continue
		}
		if a.cfg.BotsExcluded() && isGitHubBot(e.Actor.Login, e.Actor.Type) {
			continue
		}
		ev, ok := a.convert(e)
		if !ok {
			continue
		}
		events = append(events, ev)
	}

	cursorOut, err := json.Marshal(next)
	if err != nil {
		cursorOut = rawCursor
	}
	a.logger.Info("GitHub poll complete", "repo", repo, "listed", len(raw), "events", len(events))
	return &PollResult{Events: events, Cursor: cursorOut}, nil
}

// HandleWebhook accepts one GitHub webhook delivery, verifying the
// X-Hub-Signature-256 HMAC when the monitor carries a webhook secret.
// Deliveries for other repositories are ignored so an engine-level
// fan-out cannot cross repos.
func (a *GitHubAdapter) HandleWebhook(_ context.Context, payload []byte, headers map[string]string) ([]models.AdapterEvent, error) {
	apiType := githubWebhookEvents[strings.ToLower(githubHeader(headers, "X-GitHub-Event"))]
	if apiType == "" || !a.monitored(apiType) {
		return nil, nil
	}
	if a.cfg.WebhookSecret != "" {
		if !verifyGitHubSignature(payload, githubHeader(headers, "X-Hub-Signature-256"), a.cfg.WebhookSecret) {
			return nil, Unauthorized("github.webhook", errors.New("webhook signature mismatch"))
		}
	}

	var hook struct {
		Action      string           `json:"action"`
		Ref         string           `json:"ref"`
		Before      string           `json:"before"`
		After       string           `json:"after"`
		Issue       *githubIssueLike `json:"issue"`
		PullRequest *githubIssueLike `json:"pull_request"`
		Comment     *githubComment   `json:"comment"`
		Commits     []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"commits"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Sender struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, Permanent("github.webhook", fmt.Errorf("malformed payload: %w", err))
	}
	if hook.Repository.FullName != "" &&
		!strings.EqualFold(hook.Repository.FullName, a.cfg.Owner+"/"+a.cfg.Repo) {
		return nil, nil
	}
	if a.cfg.BotsExcluded() && isGitHubBot(hook.Sender.Login, hook.Sender.Type) {
		return nil, nil
	}

	ev := githubEvent{
		ID:        githubHeader(headers, "X-GitHub-Delivery"),
		Type:      apiType,
		CreatedAt: time.Now().UTC(),
	}
	ev.Actor.Login = hook.Sender.Login
	ev.Actor.Type = hook.Sender.Type
	ev.Payload = githubPayload{
		Action:      hook.Action,
		Ref:         hook.Ref,
		Before:      hook.Before,
		Head:        hook.After,
		Issue:       hook.Issue,
		PullRequest: hook.PullRequest,
		Comment:     hook.Comment,
	}
	for _, cmt := range hook.Commits {
		ev.Payload.Commits = append(ev.Payload.Commits, githubCommit{SHA: cmt.ID, Message: cmt.Message})
	}

	out, ok := a.convert(&ev)
	if !ok {
		return nil, nil
	}
	return []models.AdapterEvent{out}, nil
}

func (a *GitHubAdapter) monitored(apiType string) bool {
	alias := githubEventAliases[apiType]
	if alias == "" {
		return false
	}
	for _, t := range a.cfg.Types() {
		if t == alias {
			return true
		}
	}
	return false
}

// convert applies the per-type action, branch, and label filters and
// shapes the event payload. ok=false means the filters dropped it.
func (a *GitHubAdapter) convert(e *githubEvent) (models.AdapterEvent, bool) {
	p := &e.Payload
	repo := a.cfg.Owner + "/" + a.cfg.Repo
	extra := map[string]any{"repo": repo}
	if p.Action != "" {
		extra["action"] = p.Action
	}

	var subject, body, permalink string
	switch e.Type {
	case "PullRequestEvent":
		pr := p.PullRequest
		if pr == nil || !githubListHas(a.cfg.PRActionFilter(), p.Action) {
			return models.AdapterEvent{}, false
		}
		if len(a.cfg.Branches) > 0 && (pr.Base == nil || !githubListHas(a.cfg.Branches, pr.Base.Ref)) {
			return models.AdapterEvent{}, false
		}
		if len(a.cfg.Labels) > 0 && !githubLabelsMatch(pr.Labels, a.cfg.Labels) {
			return models.AdapterEvent{}, false
		}
		subject = fmt.Sprintf("PR #%d: %s", pr.Number, pr.Title)
		body = pr.Body
		permalink = pr.HTMLURL
		extra["number"] = pr.Number
		if pr.Base != nil {
			extra["base_branch"] = pr.Base.Ref
		}
		if pr.Head != nil {
			extra["head_branch"] = pr.Head.Ref
		}
	case "IssuesEvent":
		issue := p.Issue
		if issue == nil || !githubListHas(a.cfg.IssueActionFilter(), p.Action) {
			return models.AdapterEvent{}, false
		}
		if len(a.cfg.Labels) > 0 && !githubLabelsMatch(issue.Labels, a.cfg.Labels) {
			return models.AdapterEvent{}, false
		}
		subject = fmt.Sprintf("Issue #%d: %s", issue.Number, issue.Title)
		body = issue.Body
		permalink = issue.HTMLURL
		extra["number"] = issue.Number
	case "PushEvent":
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		if len(a.cfg.Branches) > 0 && !githubListHas(a.cfg.Branches, branch) {
			return models.AdapterEvent{}, false
		}
		subject = "Push to " + branch
		var lines []string
		for i := range p.Commits {
			if i == githubPushCommitCap {
				break
			}
			lines = append(lines, "- "+strings.SplitN(p.Commits[i].Message, "\n", 2)[0])
		}
		body = strings.Join(lines, "\n")
		if p.Before != "" && p.Head != "" {
			permalink = fmt.Sprintf("https://github.com/%s/compare/%s...%s", repo, p.Before, p.Head)
		}
		extra["ref"] = p.Ref
		extra["commit_count"] = len(p.Commits)
	default:
		// Comment and review events: anchor to the issue or PR they
		// belong to, prefer the comment's own permalink.
		target := p.Issue
		if target == nil {
			target = p.PullRequest
		}
		if target != nil {
			subject = fmt.Sprintf("Comment on #%d: %s", target.Number, target.Title)
			permalink = target.HTMLURL
			extra["number"] = target.Number
		}
		if p.Comment != nil {
			body = p.Comment.Body
			if p.Comment.HTMLURL != "" {
				permalink = p.Comment.HTMLURL
			}
		}
	}

	return models.AdapterEvent{
		ProviderEventID: e.ID,
		EventType:       e.Type,
		EventData: models.EventData{
			Subject:   subject,
			Text:      body,
			User:      e.Actor.Login,
			UserName:  e.Actor.Login,
			Permalink: permalink,
			Extra:     extra,
		},
		ProviderTimestamp: e.CreatedAt,
	}, true
}

func isGitHubBot(login, actorType string) bool {
	return actorType == "Bot" ||
		strings.HasSuffix(login, "[bot]") ||
		strings.HasSuffix(login, "-bot")
}

func githubListHas(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func githubLabelsMatch(have []githubLabel, want []string) bool {
	for _, w := range want {
		for _, l := range have {
			if l.Name == w {
				return true
			}
		}
	}
	return false
}

func githubWithinWindow(t time.Time, opts PollOptions) bool {
	if t.IsZero() {
		return true
	}
	if !opts.Oldest.IsZero() && t.Before(opts.Oldest) {
		return false
	}
	if !opts.Latest.IsZero() && t.After(opts.Latest) {
		return false
	}
	return true
}

// githubHeader looks a webhook header up case-insensitively; the HTTP
// layer hands headers over in canonical form.
func githubHeader(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// verifyGitHubSignature checks an X-Hub-Signature-256 value against the
// HMAC-SHA256 of the raw body.
func verifyGitHubSignature(body []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
