package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hookpost/internal/apperr"
	"hookpost/internal/attach"
	"hookpost/internal/payload"
	"hookpost/internal/render"
	"hookpost/internal/transport"
	logx "hookpost/pkg/logx"
)

var fixedNow = time.Date(2024, 3, 14, 17, 0, 0, 0, time.UTC)

func statusServer(t *testing.T, calls *atomic.Int32, statuses ...int) *httptest.Server {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		i := int(n.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		st := statuses[i]
		if st == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0.01")
		}
		w.WriteHeader(st)
		_, _ = io.WriteString(w, `{"id":"1"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRunner() *Runner {
	client := transport.New(transport.Config{
		Retry: true,
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	return &Runner{Client: client}
}

func invocation(tmpl string, targets ...transport.Target) Invocation {
	return Invocation{
		TemplatePath: "alert.json.tmpl",
		TemplateText: tmpl,
		Context:      render.Inputs{Now: fixedNow, Message: "disk full"},
		Targets:      targets,
	}
}

const simpleTemplate = `{"content": {{ tojson (print .message_prefix .message) }}}`

func TestRunMixedResultsExitTransport(t *testing.T) {
	t.Parallel()
	ok := statusServer(t, nil, http.StatusOK)
	bad := statusServer(t, nil, http.StatusInternalServerError)

	out := newRunner().Run(context.Background(), invocation(simpleTemplate,
		transport.Target{Name: "ok", URL: ok.URL},
		transport.Target{Name: "bad", URL: bad.URL},
	))

	require.NoError(t, out.Err)
	require.Len(t, out.Results, 2)
	require.Equal(t, transport.StatusSuccess, out.Results[0].Status)
	require.Equal(t, transport.StatusFailed, out.Results[1].Status)
	require.Equal(t, apperr.ExitTransport, out.ExitCode())
}

func TestRunLogsDispatchSummary(t *testing.T) {
	t.Parallel()
	srv := statusServer(t, nil, http.StatusOK)

	var buf bytes.Buffer
	r := newRunner()
	r.Log = logx.NewWriter(&buf, "debug")
	out := r.Run(context.Background(), invocation(simpleTemplate,
		transport.Target{Name: "a", URL: srv.URL},
		transport.Target{Name: "b", URL: srv.URL},
	))
	require.Equal(t, apperr.ExitOK, out.ExitCode())

	var summary map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		require.Equal(t, false, m["dry_run"], line)
		if m["message"] == "dispatch finished" {
			summary = m
		}
	}
	require.NotNil(t, summary, buf.String())
	require.Equal(t, float64(2), summary["targets"])
	require.Equal(t, float64(0), summary["panics"])
}

func TestRunRateLimitExhaustedExit4(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	limited := statusServer(t, &calls, http.StatusTooManyRequests)
	bad := statusServer(t, nil, http.StatusBadGateway)

	out := newRunner().Run(context.Background(), invocation(simpleTemplate,
		transport.Target{Name: "limited", URL: limited.URL},
		transport.Target{Name: "bad", URL: bad.URL},
	))

	require.Equal(t, transport.StatusRateLimited, out.Results[0].Status)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, apperr.ExitRateLimit, out.ExitCode())
}

func TestRunRetriedSuccess(t *testing.T) {
	t.Parallel()
	srv := statusServer(t, nil, http.StatusTooManyRequests, http.StatusOK)

	out := newRunner().Run(context.Background(), invocation(simpleTemplate, transport.Target{URL: srv.URL}))

	require.Equal(t, transport.StatusRetriedSuccess, out.Results[0].Status)
	require.Equal(t, apperr.ExitOK, out.ExitCode())
}

func TestRunStopsBeforeNetwork(t *testing.T) {
	t.Parallel()
	longDesc := strings.Repeat("d", payload.MaxDescription+1)

	tests := []struct {
		name string
		tmpl string
		exit int
	}{
		{name: "description too long", tmpl: fmt.Sprintf(`{"embeds":[{"description":%q}]}`, longDesc), exit: apperr.ExitValidation},
		{name: "unresolved attachment", tmpl: `{"embeds":[{"image":{"url":"attachment://missing.png"}}]}`, exit: apperr.ExitValidation},
		{name: "everyone without opt-in", tmpl: `{"content":"hi","allowed_mentions":{"parse":["everyone"]}}`, exit: apperr.ExitValidation},
		{name: "missing variable", tmpl: `{"content": "{{ .nope }}"}`, exit: apperr.ExitTemplate},
		{name: "not json", tmpl: `content: hi`, exit: apperr.ExitTemplate},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			srv := statusServer(t, &calls, http.StatusOK)

			out := newRunner().Run(context.Background(), invocation(tt.tmpl, transport.Target{URL: srv.URL}))

			require.Error(t, out.Err)
			require.Empty(t, out.Results)
			require.Equal(t, tt.exit, out.ExitCode())
			require.Zero(t, calls.Load())
		})
	}
}

func TestRunValidatesTargetOverrides(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := statusServer(t, &calls, http.StatusOK)

	out := newRunner().Run(context.Background(), invocation(`{"content":"hi","username":"ok"}`,
		transport.Target{Name: "fine", URL: srv.URL, Username: "Ops Bot"},
		transport.Target{Name: "long", URL: srv.URL, Username: strings.Repeat("u", payload.MaxUsername+120)},
	))

	require.Error(t, out.Err)
	require.Equal(t, apperr.ExitValidation, out.ExitCode())
	require.ErrorContains(t, out.Err, "[username] (long)")
	require.ErrorContains(t, out.Err, "exceeds maximum length (200/80)")
	require.Empty(t, out.Results)
	require.Zero(t, calls.Load())
}

func TestRunRequiresTargetUnlessDryRun(t *testing.T) {
	t.Parallel()
	out := newRunner().Run(context.Background(), invocation(simpleTemplate))
	require.Equal(t, apperr.ExitValidation, out.ExitCode())
	require.ErrorContains(t, out.Err, "no webhook configured")

	inv := invocation(simpleTemplate)
	inv.DryRun = true
	out = (&Runner{}).Run(context.Background(), inv)
	require.NoError(t, out.Err)
	require.Equal(t, apperr.ExitOK, out.ExitCode())
}

func TestRunTimeoutIsTransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	inv := invocation(simpleTemplate, transport.Target{URL: srv.URL})
	inv.Timeout = 50 * time.Millisecond
	out := newRunner().Run(context.Background(), inv)

	require.Len(t, out.Results, 1)
	require.Equal(t, transport.StatusFailed, out.Results[0].Status)
	require.Equal(t, apperr.ExitTransport, out.ExitCode())
}

func TestDryRunOutput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	chart := filepath.Join(dir, "chart.png")
	unused := filepath.Join(dir, "unused.png")
	summary := filepath.Join(dir, "report.json")
	for _, p := range []string{chart, unused, summary} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	embeds, err := attach.ParseSpecs("--embed-file", []string{chart, unused}, true)
	require.NoError(t, err)
	files, err := attach.ParseSpecs("--file", []string{summary}, false)
	require.NoError(t, err)

	inv := invocation(`{"content": "{{ .message_prefix }}{{ .message }}", "embeds": [{"image": {"url": "attachment://chart.png"}}]}`)
	inv.Context.Broadcast = true
	inv.Payload = payload.Options{AllowMentions: []string{"everyone"}}
	inv.Files = files
	inv.EmbedFiles = embeds
	inv.DryRun = true

	out := (&Runner{}).Run(context.Background(), inv)
	require.NoError(t, out.Err)
	require.Len(t, out.Dropped, 1)
	require.Equal(t, "unused.png", out.Dropped[0].Name)

	var buf bytes.Buffer
	require.NoError(t, WriteDryRun(&buf, out))
	want := `{
  "allowed_mentions": {
    "parse": [
      "everyone"
    ]
  },
  "content": "@everyone, disk full",
  "embeds": [
    {
      "image": {
        "url": "attachment://chart.png"
      }
    }
  ]
}
attachment: report.json application/json ` + summary + `
attachment: chart.png image/png ` + chart + `
`
	require.Equal(t, want, buf.String())
}

func TestWriteSummary(t *testing.T) {
	t.Parallel()
	out := &Outcome{Results: []transport.Result{
		{Target: transport.Target{Name: "ops"}, Status: transport.StatusSuccess, Attempts: 1, HTTPStatus: 200, MessageID: "9"},
		{Target: transport.Target{Name: "dev"}, Status: transport.StatusFailed, Attempts: 1, HTTPStatus: 500, Err: apperr.Transport("dev", fmt.Errorf("HTTP 500: boom"))},
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, out))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "ops success attempts=1 http=200 message_id=9"))
	require.Contains(t, lines[1], `error="transport error (dev): HTTP 500: boom"`)
}
