package triage

import (
	"regexp"
	"strings"
)

// Deterministic fallbacks. These run whenever no provider is configured
// or every provider failed; they must never panic and never block.

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]+)?>`)

var spaceRe = regexp.MustCompile(`\s+`)

// acknowledgements that make a bare message non-actionable.
var ackSet = map[string]bool{
	"okay": true, "ok": true, "sure": true, "got it": true,
	"thanks": true, "thank you": true, "noted": true, "will do": true,
	"done": true, "yes": true, "no": true, "agreed": true,
}

var urgencyKeywords = []string{
	"urgent", "asap", "emergency", "critical", "immediately",
	"right away", "production down", "outage", "sev1", "p0", "p1",
	"end of day", "eod today", "escalat",
}

const fallbackReplyText = "Thanks for the heads up - I'll take a look and get back to you."

// stripMentions removes Slack mention tokens and collapses whitespace.
func stripMentions(text string) string {
	cleaned := mentionRe.ReplaceAllString(text, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(cleaned, " "))
}

func fallbackActionable(text string) bool {
	cleaned := strings.ToLower(strings.Trim(stripMentions(text), " .,!?"))
	if cleaned == "" {
		return false
	}
	if ackSet[cleaned] {
		return false
	}
	if strings.Contains(strings.ToLower(text), "did not post a standup") {
		return false
	}
	return true
}

func fallbackUrgent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func fallbackTitle(text, project string) string {
	cleaned := stripMentions(text)
	if cleaned == "" {
		if project != "" {
			return project + ": New mention"
		}
		return "New mention"
	}
	if len(cleaned) > 60 {
		cleaned = cleaned[:57] + "..."
	}
	if project != "" {
		return project + ": " + cleaned
	}
	return cleaned
}

func fallbackDescription(text string) string {
	cleaned := stripMentions(text)
	if len(cleaned) > 500 {
		cleaned = cleaned[:497] + "..."
	}
	return cleaned
}

// parseYesNo interprets a model's classification answer, defaulting to
// def for anything unparseable.
func parseYesNo(answer string, def bool) bool {
	a := strings.ToLower(strings.Trim(strings.TrimSpace(answer), `"'.`))
	switch {
	case strings.HasPrefix(a, "yes"):
		return true
	case strings.HasPrefix(a, "no"):
		return false
	}
	return def
}
