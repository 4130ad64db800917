// Package report forwards delivery failures to Sentry when a DSN is
// configured. Without a DSN every function is a no-op.
package report

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
}

var enabled atomic.Bool

// Init configures the global Sentry client. The returned flush must be called
// before the process exits.
func Init(cfg Config) (flush func(time.Duration), err error) {
	if cfg.DSN == "" {
		return func(time.Duration) {}, nil
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return func(time.Duration) {}, fmt.Errorf("sentry init: %w", err)
	}
	enabled.Store(true)
	return func(d time.Duration) { sentry.Flush(d) }, nil
}

// WithHub attaches a per-invocation hub to ctx when reporting is enabled.
func WithHub(ctx context.Context) context.Context {
	if !enabled.Load() {
		return ctx
	}
	if sentry.HasHubOnContext(ctx) {
		return ctx
	}
	return sentry.SetHubOnContext(ctx, sentry.CurrentHub().Clone())
}

// Capture reports err through the hub on ctx, tagged with tags.
func Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}
