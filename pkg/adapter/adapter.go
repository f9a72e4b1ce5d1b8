// Package adapter translates provider APIs (Slack, Gmail, Outlook,
// GitHub) into the uniform poll/webhook contract the monitor engine
// consumes.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskops/sentinel/pkg/models"
)

// DefaultHTTPTimeout bounds every provider HTTP call.
const DefaultHTTPTimeout = 30 * time.Second

// PollOptions carries the optional backfill bounds. A poll with either
// bound set is a backfill: adapters widen their queries to the window
// and skip cursor-based filtering.
type PollOptions struct {
	Oldest time.Time
	Latest time.Time
}

// Backfill reports whether either bound is set.
func (o PollOptions) Backfill() bool {
	return !o.Oldest.IsZero() || !o.Latest.IsZero()
}

// PollResult is what one poll produced: the emitted events and the
// cursor describing the new position. The engine decides whether the
// cursor is persisted; adapters always compute it.
type PollResult struct {
	Events []models.AdapterEvent
	Cursor json.RawMessage
}

// Adapter is the uniform provider contract.
type Adapter interface {
	// Poll fetches new messages since cursor, applies the monitor's
	// filters, enriches each surviving message with context and a
	// permalink, and returns the events plus the advanced cursor.
	Poll(ctx context.Context, cursor json.RawMessage, opts PollOptions) (*PollResult, error)

	// HandleWebhook turns one inbound provider payload into events,
	// applying the same filters as Poll. It never touches cursors.
	HandleWebhook(ctx context.Context, payload []byte, headers map[string]string) ([]models.AdapterEvent, error)

	// ValidateConfig checks the monitor's provider_config against the
	// connection. Returns a descriptive error when the combination can
	// never produce events.
	ValidateConfig() error

	// RequiredScopes lists the OAuth scopes the provider connection
	// needs for this adapter to work.
	RequiredScopes() []string
}

// Options tune adapter construction. Zero values take defaults.
type Options struct {
	// HTTPTimeout bounds each provider API call.
	HTTPTimeout time.Duration

	// API base URL overrides, used by tests to point adapters at
	// httptest servers.
	SlackAPIURL   string
	GmailBaseURL  string
	GraphBaseURL  string
	GitHubBaseURL string

	Logger *slog.Logger
}

func (o Options) timeout() time.Duration {
	if o.HTTPTimeout > 0 {
		return o.HTTPTimeout
	}
	return DefaultHTTPTimeout
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// New builds the adapter for the monitor's provider from the decrypted
// connection and the raw provider_config.
func New(provider models.Provider, conn *models.Connection, providerConfig json.RawMessage, opts Options) (Adapter, error) {
	switch provider {
	case models.ProviderSlack:
		var cfg models.SlackMonitorConfig
		if err := unmarshalConfig(providerConfig, &cfg); err != nil {
			return nil, err
		}
		return NewSlackAdapter(conn, cfg, opts), nil
	case models.ProviderGmail:
		var cfg models.EmailMonitorConfig
		if err := unmarshalConfig(providerConfig, &cfg); err != nil {
			return nil, err
		}
		return NewGmailAdapter(conn, cfg, opts), nil
	case models.ProviderOutlook:
		var cfg models.EmailMonitorConfig
		if err := unmarshalConfig(providerConfig, &cfg); err != nil {
			return nil, err
		}
		return NewOutlookAdapter(conn, cfg, opts), nil
	case models.ProviderGitHub:
		var cfg models.GitHubMonitorConfig
		if err := unmarshalConfig(providerConfig, &cfg); err != nil {
			return nil, err
		}
		return NewGitHubAdapter(conn, cfg, opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

func unmarshalConfig(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid provider config: %w", err)
	}
	return nil
}

// RequiredScopes returns the scopes for a provider without constructing
// a full adapter. Used by the admin API's provider listing.
func RequiredScopes(provider models.Provider) []string {
	switch provider {
	case models.ProviderSlack:
		return slackScopes()
	case models.ProviderGmail:
		return gmailScopes()
	case models.ProviderOutlook:
		return outlookScopes()
	case models.ProviderGitHub:
		return githubScopes()
	}
	return nil
}
