package engine

import (
	"fmt"
	"strings"

	"github.com/taskops/sentinel/pkg/models"
)

const (
	// commentReplyCap is how many thread replies the context comment
	// quotes.
	commentReplyCap = 10

	// commentReplyMaxChars caps each quoted reply.
	commentReplyMaxChars = 300
)

// buildContextComment renders the system comment attached to a task
// created from a Slack message: the quoted message with its timestamp,
// the first thread replies, and the permalink.
func buildContextComment(ev *models.AdapterEvent, thread []models.ContextMessage) string {
	var b strings.Builder

	author := ev.EventData.UserName
	if author == "" {
		author = ev.EventData.User
	}
	if author != "" {
		fmt.Fprintf(&b, "**%s** wrote:\n", author)
	}
	for _, line := range strings.Split(strings.TrimSpace(ev.EventData.Text), "\n") {
		fmt.Fprintf(&b, "> %s\n", line)
	}
	if !ev.ProviderTimestamp.IsZero() {
		fmt.Fprintf(&b, "> _%s_\n", ev.ProviderTimestamp.Format("2006-01-02 15:04 MST"))
	}

	if len(thread) > 0 {
		replies := thread
		if len(replies) > commentReplyCap {
			replies = replies[:commentReplyCap]
		}
		fmt.Fprintf(&b, "\nThread replies (%d of %d):\n", len(replies), len(thread))
		for _, r := range replies {
			who := r.UserName
			if who == "" {
				who = r.User
			}
			if who == "" {
				who = "unknown"
			}
			fmt.Fprintf(&b, "- %s: %s\n", who, truncate(r.Text, commentReplyMaxChars))
		}
	}

	if ev.EventData.Permalink != "" {
		fmt.Fprintf(&b, "\n%s", ev.EventData.Permalink)
	}
	return strings.TrimSpace(b.String())
}
