// Package triage is the stateless LLM facade the event processor calls
// for classification and synthesis. Every method has a deterministic
// fallback; provider failures never reach the caller, so AI being down
// can never drop a message.
package triage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/taskops/sentinel/pkg/models"
)

// Config selects the providers in the pool. A provider joins the pool
// only when its credential is set; the fall-through order is fixed:
// Groq, then OpenAI, then Anthropic. Base URLs exist for tests.
type Config struct {
	GroqAPIKey      string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	GroqModel      string
	OpenAIModel    string
	AnthropicModel string

	GroqBaseURL      string
	OpenAIBaseURL    string
	AnthropicBaseURL string
}

// DefaultConfig returns a config with the default model per provider
// and no credentials.
func DefaultConfig() Config {
	return Config{
		GroqModel:      DefaultGroqModel,
		OpenAIModel:    DefaultOpenAIModel,
		AnthropicModel: DefaultAnthropicModel,
	}
}

// Client is the triage facade. The zero value (or a nil *Client) is
// usable and answers everything from fallbacks.
type Client struct {
	providers []provider
	logger    *slog.Logger
}

// NewClient builds the facade from config, keeping only providers whose
// credentials exist.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{logger: logger.With("component", "triage")}
	if cfg.GroqAPIKey != "" {
		base := cfg.GroqBaseURL
		if base == "" {
			base = groqBaseURL
		}
		model := cfg.GroqModel
		if model == "" {
			model = DefaultGroqModel
		}
		c.providers = append(c.providers, newOpenAIProvider("groq", cfg.GroqAPIKey, base, model))
	}
	if cfg.OpenAIAPIKey != "" {
		model := cfg.OpenAIModel
		if model == "" {
			model = DefaultOpenAIModel
		}
		c.providers = append(c.providers, newOpenAIProvider("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model))
	}
	if cfg.AnthropicAPIKey != "" {
		model := cfg.AnthropicModel
		if model == "" {
			model = DefaultAnthropicModel
		}
		c.providers = append(c.providers, newAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, model))
	}
	return c
}

// complete tries each provider in order and returns the first success.
// ok is false when no provider is configured or all of them failed.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64, temperature float64) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, p := range c.providers {
		out, err := p.complete(ctx, system, user, maxTokens, temperature)
		if err != nil {
			c.logger.Warn("Triage provider failed, trying next", "provider", p.name(), "error", err)
			continue
		}
		return strings.TrimSpace(out), true
	}
	return "", false
}

// IsActionable reports whether the recipient has to act on the message.
// Fallback: acknowledgement and standup-bot heuristics.
func (c *Client) IsActionable(ctx context.Context, text string, contextMsgs []models.ContextMessage) bool {
	if out, ok := c.complete(ctx, actionableSystemPrompt, actionableUserPrompt(text, contextMsgs), 8, 0); ok {
		return parseYesNo(out, true)
	}
	return fallbackActionable(text)
}

// IsAlreadyHandled reports whether the thread shows the request was
// resolved. Fallback: false, never suppress.
func (c *Client) IsAlreadyHandled(ctx context.Context, text string, contextMsgs []models.ContextMessage) bool {
	if out, ok := c.complete(ctx, alreadyHandledSystemPrompt, alreadyHandledUserPrompt(text, contextMsgs), 8, 0); ok {
		return parseYesNo(out, false)
	}
	return false
}

// IsUrgent reports whether the message carries explicit urgency.
// Fallback: urgency lexicon substring match.
func (c *Client) IsUrgent(ctx context.Context, text string, contextMsgs []models.ContextMessage) bool {
	if out, ok := c.complete(ctx, urgentSystemPrompt, urgentUserPrompt(text, contextMsgs), 8, 0); ok {
		return parseYesNo(out, false)
	}
	var b strings.Builder
	b.WriteString(text)
	for _, m := range contextMsgs {
		b.WriteString("\n")
		b.WriteString(m.Text)
	}
	return fallbackUrgent(b.String())
}

// GenerateTitle writes an action-oriented task title, at most 80 chars.
func (c *Client) GenerateTitle(ctx context.Context, text string, contextMsgs []models.ContextMessage, sender, project string) string {
	if out, ok := c.complete(ctx, titleSystemPrompt, titleUserPrompt(text, contextMsgs, sender, project), 60, 0.3); ok {
		title := strings.Trim(out, `"'`)
		if title != "" {
			if len(title) > 80 {
				title = title[:77] + "..."
			}
			return title
		}
	}
	return fallbackTitle(text, project)
}

// GenerateDescription writes a self-contained task description.
func (c *Client) GenerateDescription(ctx context.Context, text string, contextMsgs []models.ContextMessage, sender string) string {
	if out, ok := c.complete(ctx, descriptionSystemPrompt, descriptionUserPrompt(text, contextMsgs, sender), 400, 0.3); ok && out != "" {
		return out
	}
	return fallbackDescription(text)
}

// GenerateReplyDraft writes a proposed reply to the message.
func (c *Client) GenerateReplyDraft(ctx context.Context, text string, contextMsgs []models.ContextMessage, sender, channel string) string {
	if out, ok := c.complete(ctx, replyDraftSystemPrompt, replyDraftUserPrompt(text, contextMsgs, sender, channel), 400, 0.7); ok && out != "" {
		return out
	}
	return fallbackReplyText
}
