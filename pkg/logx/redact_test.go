package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "discord webhook",
			raw:  "https://discord.com/api/webhooks/123/abc-token",
			want: "https://discord.com/api/webhooks/****redacted****",
		},
		{
			name: "discord webhook with query",
			raw:  "https://discord.com/api/webhooks/123/abc?thread_id=9",
			want: "https://discord.com/api/webhooks/****redacted****?thread_id=REDACTED",
		},
		{
			name: "generic path secret",
			raw:  "https://hooks.example.com/services/T000/B000/XXXX",
			want: "https://hooks.example.com/****redacted****",
		},
		{
			name: "host only",
			raw:  "http://127.0.0.1:8080",
			want: "http://127.0.0.1:8080",
		},
		{
			name: "not a url",
			raw:  "::nope",
			want: "<invalid-url>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Redact(tt.raw))
		})
	}
}

func TestRedactDisabled(t *testing.T) {
	SetRedaction(false)
	t.Cleanup(func() { SetRedaction(true) })

	raw := "https://discord.com/api/webhooks/123/abc"
	require.Equal(t, raw, Redact(raw))
}

func TestURLFieldIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug")

	log.Info("sending", URL("target", "https://discord.com/api/webhooks/1/secret"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "sending", line["message"])
	require.Equal(t, "https://discord.com/api/webhooks/****redacted****", line["target"])
	require.NotContains(t, buf.String(), "secret")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, LevelDebug, parseLevel("debug", LevelInfo))
	require.Equal(t, LevelWarn, parseLevel(" warning ", LevelInfo))
	require.Equal(t, LevelInfo, parseLevel("bogus", LevelInfo))
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Info("dropped")
	Nop().With(String("k", "v")).Error("dropped")
}
