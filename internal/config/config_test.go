package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	raw := `
webhooks:
  - name: ops
    url: https://discord.com/api/webhooks/1/abc
    username: Ops Bot
default_webhooks: [ops]
defaults:
  template: alert.json.tmpl
  timeout: 3s
  retry: false
  allow_mentions: [users]
schedules:
  - name: heartbeat
    spec: "@hourly"
    message: still alive
    vars:
      color: "0x00ff00"
`
	cfg, err := Parse("hookpost.yaml", []byte(raw))
	require.NoError(t, err)

	w, ok := cfg.Webhook("ops")
	require.True(t, ok)
	require.Equal(t, "Ops Bot", w.Username)
	require.Equal(t, 3*time.Second, cfg.Timeout())
	require.False(t, cfg.Retry())
	require.Equal(t, []string{"users"}, cfg.Defaults.AllowMentions)
	require.Equal(t, 5, cfg.RatePerSec())
	require.Len(t, cfg.Schedules, 1)
	require.Equal(t, "0x00ff00", cfg.Schedules[0].Vars["color"])
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("hookpost.json", []byte(`{"defaults":{}}`))
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Timeout())
	require.True(t, cfg.Retry())
	require.Nil(t, cfg.Defaults.AllowMentions)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		raw  string
	}{
		{name: "unknown field", path: "c.json", raw: `{"nope": true}`},
		{name: "trailing data", path: "c.json", raw: `{} {}`},
		{name: "bad scheme", path: "c.json", raw: `{"webhooks":[{"name":"a","url":"ftp://x/y"}]}`},
		{name: "duplicate webhook", path: "c.yaml", raw: "webhooks:\n- {name: a, url: 'https://x/1'}\n- {name: a, url: 'https://x/2'}\n"},
		{name: "unknown default webhook", path: "c.yaml", raw: "default_webhooks: [ghost]\n"},
		{name: "bad timeout", path: "c.yaml", raw: "defaults:\n  timeout: soon\n"},
		{name: "schedule without spec", path: "c.yaml", raw: "schedules:\n- name: x\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.path, []byte(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestCheckURLDoesNotEchoSecret(t *testing.T) {
	t.Parallel()
	err := CheckURL("https://discord.com/api/webhooks/1/%zzsecret")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "secret")
}

func TestLoadMissingExplicitPath(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "does not exist")
}

func TestLoadEnvironmentPrecedence(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, ".env", "FOO=base\nBAR=base\nHOOKPOST_TEST_BAZ=base\n")
	override := writeFile(t, dir, "override.env", "BAR=override\n")
	t.Setenv("HOOKPOST_TEST_BAZ", "system")

	values, err := LoadEnvironment(override, []string{filepath.Join(dir, "absent.env"), base})
	require.NoError(t, err)

	require.Equal(t, "base", values["FOO"])
	require.Equal(t, "override", values["BAR"])
	require.Equal(t, "system", values["HOOKPOST_TEST_BAZ"])
}

func TestLoadEnvironmentMissingExplicit(t *testing.T) {
	t.Parallel()
	_, err := LoadEnvironment(filepath.Join(t.TempDir(), "nope.env"), nil)
	require.ErrorContains(t, err, "does not exist")
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}
