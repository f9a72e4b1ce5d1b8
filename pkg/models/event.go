package models

import (
	"encoding/json"
	"time"
)

// EmailAddress is a sender or recipient on an email event.
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// EventData is the provider-shaped payload of an adapter event. The
// fields downstream code reads are enumerated; anything else a provider
// sends is preserved in Extra so payloads survive a round trip through
// storage.
type EventData struct {
	Text      string        `json:"text,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	From      *EmailAddress `json:"from,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	User      string        `json:"user,omitempty"`
	UserName  string        `json:"user_name,omitempty"`
	TS        string        `json:"ts,omitempty"`
	ThreadTS  string        `json:"thread_ts,omitempty"`
	Permalink string        `json:"permalink,omitempty"`

	Extra map[string]any `json:"-"`
}

// eventDataKnown mirrors EventData's tagged fields for (un)marshalling.
type eventDataKnown struct {
	Text      string        `json:"text,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	From      *EmailAddress `json:"from,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	User      string        `json:"user,omitempty"`
	UserName  string        `json:"user_name,omitempty"`
	TS        string        `json:"ts,omitempty"`
	ThreadTS  string        `json:"thread_ts,omitempty"`
	Permalink string        `json:"permalink,omitempty"`
}

var eventDataKnownKeys = map[string]bool{
	"text": true, "subject": true, "from": true, "channel_id": true,
	"user": true, "user_name": true, "ts": true, "thread_ts": true,
	"permalink": true,
}

// MarshalJSON flattens the known fields and Extra into one object.
// Known fields win on key collision.
func (d EventData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+9)
	for k, v := range d.Extra {
		if !eventDataKnownKeys[k] {
			out[k] = v
		}
	}
	known, err := json.Marshal(eventDataKnown{
		Text: d.Text, Subject: d.Subject, From: d.From,
		ChannelID: d.ChannelID, User: d.User, UserName: d.UserName,
		TS: d.TS, ThreadTS: d.ThreadTS, Permalink: d.Permalink,
	})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]any
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON fills the known fields and routes unrecognized keys
// into Extra.
func (d *EventData) UnmarshalJSON(data []byte) error {
	var known eventDataKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = EventData{
		Text: known.Text, Subject: known.Subject, From: known.From,
		ChannelID: known.ChannelID, User: known.User, UserName: known.UserName,
		TS: known.TS, ThreadTS: known.ThreadTS, Permalink: known.Permalink,
	}
	for k, v := range raw {
		if eventDataKnownKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[k] = val
	}
	return nil
}

// ContextMessage is one message captured around or under the target
// message.
type ContextMessage struct {
	User     string `json:"user,omitempty"`
	UserName string `json:"user_name,omitempty"`
	Text     string `json:"text,omitempty"`
	TS       string `json:"ts,omitempty"`
}

// ContextData is the conversational enrichment attached to an event:
// thread replies for threaded messages, before/after windows otherwise.
type ContextData struct {
	Before []ContextMessage `json:"before,omitempty"`
	After  []ContextMessage `json:"after,omitempty"`
	Thread []ContextMessage `json:"thread,omitempty"`
}

// Empty reports whether no context was captured.
func (c *ContextData) Empty() bool {
	return c == nil || (len(c.Before) == 0 && len(c.After) == 0 && len(c.Thread) == 0)
}

// AdapterEvent is the in-memory event an adapter emits. ProviderEventID
// must be stable for the same upstream message across polls and across
// the poll/webhook boundary.
type AdapterEvent struct {
	ProviderEventID   string       `json:"provider_event_id"`
	EventType         string       `json:"event_type"`
	EventData         EventData    `json:"event_data"`
	ContextData       *ContextData `json:"context_data,omitempty"`
	ProviderTimestamp time.Time    `json:"provider_timestamp"`
}

// MonitorEvent is the persisted record of one unique upstream message a
// monitor has observed. Uniquely keyed by (monitor_id,
// provider_event_id); it is both the audit trail and the dedup key.
type MonitorEvent struct {
	ID                string       `json:"id" db:"id"`
	MonitorID         string       `json:"monitor_id" db:"monitor_id"`
	ProviderEventID   string       `json:"provider_event_id" db:"provider_event_id"`
	EventType         string       `json:"event_type" db:"event_type"`
	EventData         EventData    `json:"event_data" db:"-"`
	ContextData       *ContextData `json:"context_data,omitempty" db:"-"`
	ProviderTimestamp time.Time    `json:"provider_timestamp" db:"provider_timestamp"`
	Processed         bool         `json:"processed" db:"processed"`
	TaskID            string       `json:"task_id,omitempty" db:"task_id"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}
