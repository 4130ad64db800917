package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookpost/internal/apperr"
)

const alertTemplate = `{
  "content": {{ tojson (print .message_prefix .message) }},
  "embeds": [{"title": {{ tojson (var "title" "Untitled") }}}]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), append([]string{"-q"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCommandsExist(t *testing.T) {
	root := newRootCmd(&app{})
	for _, name := range []string{"send", "preview", "watch", "schedule", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	send, _, _ := root.Find([]string{"send"})
	for _, flag := range []string{"template", "message", "everyone", "var", "json-var", "file", "embed-file", "webhook", "dry-run", "no-retry", "thread-id", "suppress-embeds", "allow-mentions", "username", "avatar-url", "timeout", "deadline"} {
		assert.NotNil(t, send.Flags().Lookup(flag), flag)
	}
}

func TestPreviewPrintsPayload(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "alert.json.tmpl", alertTemplate)
	env := writeFile(t, dir, "test.env", "title=From env\n")

	code, stdout, stderr := run(t, "preview", "--env", env, "--template", tmpl, "--message", "disk full", "--everyone", "--allow-mentions", "everyone")
	require.Equal(t, apperr.ExitOK, code, stderr)
	assert.Contains(t, stdout, `"content": "@everyone, disk full"`)
	assert.Contains(t, stdout, `"title": "From env"`)
	assert.Contains(t, stdout, `"everyone"`)
}

func TestSendExitCodes(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "alert.json.tmpl", alertTemplate)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), "limited"):
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case strings.Contains(string(body), "broken"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = io.WriteString(w, `{"id":"42"}`)
		}
	}))
	t.Cleanup(srv.Close)

	code, stdout, stderr := run(t, "send", "--template", tmpl, "--message", "ok", "--webhook", srv.URL+"/api/webhooks/1/secret")
	require.Equal(t, apperr.ExitOK, code, stderr)
	assert.Contains(t, stdout, "success attempts=1 http=200 message_id=42")
	assert.NotContains(t, stdout, "secret")

	code, stdout, _ = run(t, "send", "--template", tmpl, "--message", "limited", "--webhook", srv.URL)
	assert.Equal(t, apperr.ExitRateLimit, code)
	assert.Contains(t, stdout, "rate_limit_exhausted attempts=2")

	code, _, _ = run(t, "send", "--template", tmpl, "--message", "broken", "--webhook", srv.URL)
	assert.Equal(t, apperr.ExitTransport, code)

	before := calls.Load()
	code, _, stderr = run(t, "send", "--template", tmpl, "--var", "title="+strings.Repeat("x", 300), "--webhook", srv.URL)
	assert.Equal(t, apperr.ExitValidation, code)
	assert.Contains(t, stderr, "embeds[0].title")
	assert.Equal(t, before, calls.Load())
}

func TestSendValidationErrors(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "alert.json.tmpl", alertTemplate)
	bad := writeFile(t, dir, "bad.json.tmpl", `{"content": "{{ .missing }}"}`)

	tests := []struct {
		name string
		args []string
		exit int
		msg  string
	}{
		{name: "no template", args: []string{"send", "--dry-run"}, exit: apperr.ExitValidation, msg: "template required"},
		{name: "bad var", args: []string{"preview", "--template", tmpl, "--var", "novalue"}, exit: apperr.ExitValidation, msg: "--var"},
		{name: "bad json var", args: []string{"preview", "--template", tmpl, "--json-var", "x={"}, exit: apperr.ExitValidation, msg: "x"},
		{name: "unknown mention", args: []string{"preview", "--template", tmpl, "--allow-mentions", "here"}, exit: apperr.ExitValidation, msg: "here"},
		{name: "bad webhook", args: []string{"send", "--template", tmpl, "--webhook", "not-a-url"}, exit: apperr.ExitValidation, msg: "neither a configured webhook"},
		{name: "missing file", args: []string{"preview", "--template", tmpl, "--file", filepath.Join(dir, "nope.png")}, exit: apperr.ExitValidation, msg: "does not exist"},
		{name: "missing variable", args: []string{"preview", "--template", bad}, exit: apperr.ExitTemplate, msg: "missing"},
		{name: "unknown flag", args: []string{"send", "--bogus"}, exit: apperr.ExitValidation, msg: "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tt.args...)
			assert.Equal(t, tt.exit, code, stderr)
			assert.Contains(t, stderr, tt.msg)
		})
	}
}

func TestConfiguredWebhookByName(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "alert.json.tmpl", alertTemplate)

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- r.URL.RawQuery + " " + string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	cfg := writeFile(t, dir, "hookpost.yaml", `webhooks:
  - name: ops
    url: `+srv.URL+`
    username: Ops Bot
    thread_id: "77"
default_webhooks: [ops]
`)
	code, stdout, stderr := run(t, "--config", cfg, "send", "--template", tmpl, "--message", "hi")
	require.Equal(t, apperr.ExitOK, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "ops success"), stdout)

	req := <-got
	assert.Contains(t, req, "thread_id=77")
	assert.Contains(t, req, `"username":"Ops Bot"`)
}

func TestConfigTimeoutBoundsEachRequest(t *testing.T) {
	dir := t.TempDir()
	tmpl := writeFile(t, dir, "alert.json.tmpl", alertTemplate)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	cfg := writeFile(t, dir, "hookpost.yaml", `defaults:
  timeout: 50ms
`)
	start := time.Now()
	code, stdout, stderr := run(t, "--config", cfg, "send", "--template", tmpl, "--message", "slow", "--webhook", srv.URL)
	assert.Equal(t, apperr.ExitTransport, code, stderr)
	assert.Contains(t, stdout, "failed")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestScheduleList(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "hookpost.yaml", `schedules:
  - name: nightly
    spec: "daily:02:30"
  - name: heartbeat
    spec: 15m
`)
	code, stdout, stderr := run(t, "--config", cfg, "schedule", "--list", "--tz", "UTC")
	require.Equal(t, apperr.ExitOK, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "heartbeat\t@every 15m0s\tnext="), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "nightly\t30 2 * * *\tnext="), lines[1])
}

func TestVersion(t *testing.T) {
	code, stdout, _ := run(t, "version")
	assert.Equal(t, apperr.ExitOK, code)
	assert.Equal(t, "hookpost dev\n", stdout)
}
