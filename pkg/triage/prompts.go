package triage

import (
	"fmt"
	"strings"

	"github.com/taskops/sentinel/pkg/models"
)

// System prompts. Every template instructs the model to emit only the
// bare answer; parsing tolerates nothing else.

const actionableSystemPrompt = `You classify workplace messages. Answer only "yes" or "no".

Answer "yes" if the recipient needs to take action or has received new information they must act on.
Answer "no" for acknowledgement-only messages (ok, thanks, got it), automated standup-bot notices, or messages where the recipient is merely CC'd with nothing to do.
Output only the single word yes or no, with no commentary.`

const alreadyHandledSystemPrompt = `You read a workplace message and its thread replies. Answer only "yes" or "no".

Answer "yes" if someone in the thread committed to handling the request and completed it, or the original poster confirmed it is resolved.
Answer "no" if the request is still open, unclaimed, or its status is unclear.
Output only the single word yes or no, with no commentary.`

const urgentSystemPrompt = `You classify workplace messages by urgency. Answer only "yes" or "no".

Answer "yes" only for explicit urgency language, production incidents, executive escalations, or deadlines due today.
Everything else, including ordinary requests and FYIs, is "no".
Output only the single word yes or no, with no commentary.`

const titleSystemPrompt = `You write task titles from workplace messages.

Write one action-oriented title of at most 60 characters, starting with an imperative verb.
Weave the project or sender name in naturally when given.
Output only the title text, with no quotes and no commentary.`

const descriptionSystemPrompt = `You write task descriptions from workplace messages.

Write a description self-contained enough to act on without opening the original message.
Preserve names, dates, and links verbatim. End with concrete next steps.
Output only the description text, with no commentary.`

const replyDraftSystemPrompt = `You draft replies to workplace messages.

Write a substantive reply that matches the tone of the thread, addresses the request directly, and uses @mentions when delegating.
Output only the reply text, with no commentary.`

// renderContext flattens context messages into a transcript block.
func renderContext(msgs []models.ContextMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		who := m.UserName
		if who == "" {
			who = m.User
		}
		if who == "" {
			who = "unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Text)
	}
	return b.String()
}

func actionableUserPrompt(text string, context []models.ContextMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message:\n%s\n", text)
	if ctx := renderContext(context); ctx != "" {
		fmt.Fprintf(&b, "\nThread context:\n%s", ctx)
	}
	b.WriteString("\nDoes the recipient need to act on this? Answer yes or no.")
	return b.String()
}

func alreadyHandledUserPrompt(text string, context []models.ContextMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original message:\n%s\n", text)
	if ctx := renderContext(context); ctx != "" {
		fmt.Fprintf(&b, "\nThread replies:\n%s", ctx)
	}
	b.WriteString("\nHas this already been handled? Answer yes or no.")
	return b.String()
}

func urgentUserPrompt(text string, context []models.ContextMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message:\n%s\n", text)
	if ctx := renderContext(context); ctx != "" {
		fmt.Fprintf(&b, "\nContext:\n%s", ctx)
	}
	b.WriteString("\nIs this urgent? Answer yes or no.")
	return b.String()
}

func titleUserPrompt(text string, context []models.ContextMessage, sender, project string) string {
	var b strings.Builder
	if project != "" {
		fmt.Fprintf(&b, "Project: %s\n", project)
	}
	if sender != "" {
		fmt.Fprintf(&b, "Sender: %s\n", sender)
	}
	fmt.Fprintf(&b, "Message:\n%s\n", text)
	if ctx := renderContext(context); ctx != "" {
		fmt.Fprintf(&b, "\nThread context:\n%s", ctx)
	}
	b.WriteString("\nWrite the task title.")
	return b.String()
}

func descriptionUserPrompt(text string, context []models.ContextMessage, sender string) string {
	var b strings.Builder
	if sender != "" {
		fmt.Fprintf(&b, "Sender: %s\n", sender)
	}
	fmt.Fprintf(&b, "Message:\n%s\n", text)
	if ctx := renderContext(context); ctx != "" {
		fmt.Fprintf(&b, "\nThread context:\n%s", ctx)
	}
	b.WriteString("\nWrite the task description.")
	return b.String()
}

func replyDraftUserPrompt(text string, context []models.ContextMessage, sender, channel string) string {
	var b strings.Builder
	if channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", channel)
	}
	if sender != "" {
		fmt.Fprintf(&b, "From: %s\n", sender)
	}
	fmt.Fprintf(&b, "Message:\n%s\n", text)
	if ctx := renderContext(context); ctx != "" {
		fmt.Fprintf(&b, "\nThread context:\n%s", ctx)
	}
	b.WriteString("\nWrite the reply.")
	return b.String()
}
