package triage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskops/sentinel/pkg/models"
)

type stubProvider struct {
	label  string
	answer string
	err    error
	calls  int
}

func (s *stubProvider) name() string { return s.label }

func (s *stubProvider) complete(context.Context, string, string, int64, float64) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func testClient(providers ...provider) *Client {
	return &Client{
		providers: providers,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestProviderFallThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("first failure falls through to next provider", func(t *testing.T) {
		broken := &stubProvider{label: "groq", err: errors.New("rate limited")}
		working := &stubProvider{label: "openai", answer: "yes"}
		c := testClient(broken, working)

		assert.True(t, c.IsActionable(ctx, "please review", nil))
		assert.Equal(t, 1, broken.calls)
		assert.Equal(t, 1, working.calls)
	})

	t.Run("all providers failing uses fallback", func(t *testing.T) {
		c := testClient(
			&stubProvider{label: "groq", err: errors.New("down")},
			&stubProvider{label: "openai", err: errors.New("down")},
		)

		// Fallback says an acknowledgement is not actionable.
		assert.False(t, c.IsActionable(ctx, "<@U9> thanks!", nil))
		// Fallback never suppresses as already handled.
		assert.False(t, c.IsAlreadyHandled(ctx, "anything", nil))
		assert.Equal(t, fallbackReplyText, c.GenerateReplyDraft(ctx, "hi", nil, "", ""))
	})

	t.Run("nil client answers from fallbacks", func(t *testing.T) {
		var c *Client
		assert.True(t, c.IsActionable(ctx, "please review PR 42", nil))
		assert.False(t, c.IsUrgent(ctx, "whenever you get a chance", nil))
		assert.True(t, c.IsUrgent(ctx, "production down, need help ASAP", nil))
	})

	t.Run("model answer parsing", func(t *testing.T) {
		c := testClient(&stubProvider{label: "groq", answer: `"Yes."`})
		assert.True(t, c.IsAlreadyHandled(ctx, "x", nil))

		c = testClient(&stubProvider{label: "groq", answer: "No"})
		assert.False(t, c.IsActionable(ctx, "x", nil))

		// Garbage keeps the method's fail-open default.
		c = testClient(&stubProvider{label: "groq", answer: "maybe?"})
		assert.True(t, c.IsActionable(ctx, "x", nil))
		assert.False(t, c.IsAlreadyHandled(ctx, "x", nil))
	})
}

func TestNewClientProviderSelection(t *testing.T) {
	c := NewClient(Config{OpenAIAPIKey: "sk-1", AnthropicAPIKey: "sk-2"}, nil)
	assert.Len(t, c.providers, 2)
	assert.Equal(t, "openai", c.providers[0].name())
	assert.Equal(t, "anthropic", c.providers[1].name())

	c = NewClient(Config{GroqAPIKey: "gsk-1"}, nil)
	assert.Len(t, c.providers, 1)
	assert.Equal(t, "groq", c.providers[0].name())

	c = NewClient(Config{}, nil)
	assert.Empty(t, c.providers)
}

func TestFallbackActionable(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"<@U9> please review PR 42", true},
		{"<@U9> thanks!", false},
		{"ok", false},
		{"Got it.", false},
		{"will do", false},
		{"<@U9>", false},
		{"StandupBot: <@U9> did not post a standup for today", false},
		{"can you deploy the fix?", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, fallbackActionable(tt.text))
		})
	}
}

func TestFallbackTitle(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		project string
		want    string
	}{
		{"strips mentions", "<@U9> please review PR 42", "", "please review PR 42"},
		{"project prefix", "review PR 42", "Checkout", "Checkout: review PR 42"},
		{"empty text", "<@U9>", "", "New mention"},
		{"empty text with project", "<@U9>", "Checkout", "Checkout: New mention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fallbackTitle(tt.text, tt.project))
		})
	}

	t.Run("long text truncated to 60", func(t *testing.T) {
		got := fallbackTitle(strings.Repeat("a", 100), "")
		assert.Len(t, got, 60)
		assert.True(t, strings.HasSuffix(got, "..."))
	})
}

func TestFallbackDescription(t *testing.T) {
	assert.Equal(t, "short text", fallbackDescription("<@U9> short text"))

	long := fallbackDescription(strings.Repeat("b", 600))
	assert.Len(t, long, 500)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestRenderContext(t *testing.T) {
	out := renderContext([]models.ContextMessage{
		{UserName: "dana", Text: "will do"},
		{User: "U5", Text: "ping"},
		{Text: "orphan"},
	})
	assert.Equal(t, "dana: will do\nU5: ping\nunknown: orphan\n", out)
}
