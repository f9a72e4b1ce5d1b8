package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDataJSON(t *testing.T) {
	t.Run("unknown fields land in Extra and survive re-marshal", func(t *testing.T) {
		payload := []byte(`{"text":"<@U9> review PR 42","channel_id":"C1","ts":"1000.1","client_msg_id":"abc-123","team":"T1"}`)

		var d EventData
		require.NoError(t, json.Unmarshal(payload, &d))

		assert.Equal(t, "<@U9> review PR 42", d.Text)
		assert.Equal(t, "C1", d.ChannelID)
		assert.Equal(t, "1000.1", d.TS)
		assert.Equal(t, "abc-123", d.Extra["client_msg_id"])
		assert.Equal(t, "T1", d.Extra["team"])

		out, err := json.Marshal(d)
		require.NoError(t, err)

		var round map[string]any
		require.NoError(t, json.Unmarshal(out, &round))
		assert.Equal(t, "abc-123", round["client_msg_id"])
		assert.Equal(t, "C1", round["channel_id"])
	})

	t.Run("known field beats colliding Extra key", func(t *testing.T) {
		d := EventData{
			Text:  "real",
			Extra: map[string]any{"text": "shadow", "other": 1},
		}
		out, err := json.Marshal(d)
		require.NoError(t, err)

		var round map[string]any
		require.NoError(t, json.Unmarshal(out, &round))
		assert.Equal(t, "real", round["text"])
		assert.EqualValues(t, 1, round["other"])
	})

	t.Run("email from address", func(t *testing.T) {
		d := EventData{
			Subject: "Invoice overdue",
			From:    &EmailAddress{Email: "a@b.com", Name: "Alice"},
		}
		out, err := json.Marshal(d)
		require.NoError(t, err)

		var back EventData
		require.NoError(t, json.Unmarshal(out, &back))
		require.NotNil(t, back.From)
		assert.Equal(t, "a@b.com", back.From.Email)
		assert.Equal(t, "Alice", back.From.Name)
		assert.Nil(t, back.Extra)
	})
}

func TestMonitorDue(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-10 * time.Minute)
	recent := now.Add(-10 * time.Second)

	tests := []struct {
		name    string
		monitor Monitor
		want    bool
	}{
		{
			name:    "never polled active monitor is due",
			monitor: Monitor{Status: MonitorStatusActive, PollIntervalSeconds: 60},
			want:    true,
		},
		{
			name:    "interval elapsed",
			monitor: Monitor{Status: MonitorStatusActive, PollIntervalSeconds: 60, LastPolledAt: &earlier},
			want:    true,
		},
		{
			name:    "interval not elapsed",
			monitor: Monitor{Status: MonitorStatusActive, PollIntervalSeconds: 60, LastPolledAt: &recent},
			want:    false,
		},
		{
			name:    "paused monitor never due",
			monitor: Monitor{Status: MonitorStatusPaused, PollIntervalSeconds: 60},
			want:    false,
		},
		{
			name:    "soft-deleted monitor never due",
			monitor: Monitor{Status: MonitorStatusActive, PollIntervalSeconds: 60, DeletedAt: &earlier},
			want:    false,
		},
		{
			name: "transient error retried on next tick",
			monitor: Monitor{
				Status: MonitorStatusError, LastErrorKind: ErrorKindTransient,
				PollIntervalSeconds: 60, LastPolledAt: &earlier,
			},
			want: true,
		},
		{
			name: "permanent error parked",
			monitor: Monitor{
				Status: MonitorStatusError, LastErrorKind: ErrorKindPermanent,
				PollIntervalSeconds: 60, LastPolledAt: &earlier,
			},
			want: false,
		},
		{
			name: "connection error parked",
			monitor: Monitor{
				Status: MonitorStatusError, LastErrorKind: ErrorKindConnection,
				PollIntervalSeconds: 60,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.monitor.Due(now))
		})
	}
}
