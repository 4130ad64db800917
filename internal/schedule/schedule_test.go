package schedule

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "hookpost/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in     string
		kind   SpecKind
		cron   string
		every  time.Duration
		source string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", source: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", source: "cron"},
		{in: "cron: 0 30 9 * * 1-5", kind: SpecCron, cron: "0 30 9 * * 1-5", source: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, source: "duration"},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "interval:01:30", kind: SpecInterval, every: 90 * time.Minute, source: "hhmm"},
		{in: "every: 2h", kind: SpecInterval, every: 2 * time.Hour, source: "duration"},
		{in: "daily:23:15", kind: SpecCron, cron: "15 23 * * *", source: "daily"},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.in)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every || got.Source != tt.source {
			t.Fatalf("ParseSpec(%q) = %+v", tt.in, got)
		}
	}
}

func TestParseSpecRejects(t *testing.T) {
	for _, in := range []string{"", "soon", "0s", "interval:", "cron:", "daily:24:00", "daily:9:5", "00:00", "01:75"} {
		if _, err := ParseSpec(in); err == nil {
			t.Fatalf("ParseSpec(%q): expected error", in)
		}
	}
}

func TestSpecString(t *testing.T) {
	s, _ := ParseSpec("90s")
	if got := s.String(); got != "@every 1m30s" {
		t.Fatalf("String() = %q", got)
	}
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "a")
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter out of range: %s", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first run = %s, want %s", first, want)
	}
	if next := sched.Next(first); next.Sub(first) != time.Minute {
		t.Fatalf("second run %s after first", next.Sub(first))
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.Add("bad", "61 * * * *", job); err == nil {
		t.Fatalf("expected invalid cron error")
	}
	if err := s.Add("ok", "5m", job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("ok", "10m", job); err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	err := s.Add("slow", "1h", func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		ran, _ := s.RunNow(context.Background(), "slow")
		done <- ran
	}()
	<-started

	ran, err := s.RunNow(context.Background(), "slow")
	if err != nil || ran {
		t.Fatalf("overlapping run: ran=%v err=%v", ran, err)
	}
	close(release)
	if !<-done {
		t.Fatalf("first run reported skipped")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestRunNowTimeoutAndError(t *testing.T) {
	s := New(Config{Timeout: 20 * time.Millisecond}, logx.Nop())
	_ = s.Add("wait", "1h", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ran, err := s.RunNow(context.Background(), "wait")
	if !ran || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestStartStopEntries(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	_ = s.Add("hourly", "@hourly", func(context.Context) error { return nil })
	_ = s.Add("every", "10m", func(context.Context) error { return nil })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 2 || entries[0].Name != "every" || entries[1].Name != "hourly" {
		t.Fatalf("entries = %+v", entries)
	}
	for _, e := range entries {
		if e.Next.IsZero() {
			t.Fatalf("%s: next run not scheduled", e.Name)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
