// Package pipeline runs one notification invocation end to end: context,
// template, payload validation, attachment resolution and delivery. Every
// surface (send, preview, watch, schedule) goes through Runner.Run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hookpost/internal/apperr"
	"hookpost/internal/attach"
	"hookpost/internal/payload"
	"hookpost/internal/render"
	"hookpost/internal/report"
	"hookpost/internal/runtime/supervisor"
	"hookpost/internal/transport"
	logx "hookpost/pkg/logx"
)

// DefaultRatePerSec paces request starts when the invocation sets no rate.
const DefaultRatePerSec = 5

// Invocation is everything one run needs.
type Invocation struct {
	RunID string

	// TemplatePath names the template. When TemplateText is empty the file
	// is read; otherwise the path is only used in error messages.
	TemplatePath string
	TemplateText string

	Context render.Inputs
	Payload payload.Options

	// Files are always uploaded; EmbedFiles only when referenced.
	Files      []*attach.Ref
	EmbedFiles []*attach.Ref

	Targets []transport.Target
	DryRun  bool

	// Timeout bounds the whole delivery phase. Zero means unbounded.
	Timeout    time.Duration
	RatePerSec int
}

// Outcome is the result of one run. Err is set when the run stopped before
// the network; otherwise Results holds one entry per target, in target order.
type Outcome struct {
	RunID       string
	Context     *render.Context
	Rendered    string
	Payload     payload.Payload
	Attachments []*attach.Ref
	Dropped     []*attach.Ref
	Results     []transport.Result
	Err         error
}

// Kind is the most severe failure of the run.
func (o *Outcome) Kind() apperr.Kind {
	kinds := []apperr.Kind{apperr.KindOf(o.Err)}
	for _, r := range o.Results {
		kinds = append(kinds, r.Kind())
	}
	return apperr.Worst(kinds...)
}

// ExitCode maps Kind to the process exit status.
func (o *Outcome) ExitCode() int { return o.Kind().ExitCode() }

// Runner holds the collaborators shared by runs.
type Runner struct {
	Client *transport.Client
	Log    logx.Logger
}

// Run executes inv. Validation and template failures return before any
// request is made; per-target failures never abort the other targets.
func (r *Runner) Run(ctx context.Context, inv Invocation) *Outcome {
	if inv.RunID == "" {
		inv.RunID = uuid.NewString()
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("run_id", inv.RunID), logx.Bool("dry_run", inv.DryRun))
	out := &Outcome{RunID: inv.RunID}

	if err := r.prepare(log, inv, out); err != nil {
		out.Err = err
		log.Error("run aborted before delivery", logx.Err(err), logx.String("kind", apperr.KindOf(err).String()))
		return out
	}
	if inv.DryRun {
		log.Info("dry run complete", logx.Int("attachments", len(out.Attachments)))
		return out
	}

	out.Results = r.dispatch(ctx, log, inv, out)
	for _, res := range out.Results {
		fields := []logx.Field{
			logx.String("target", res.Target.Label()),
			logx.String("status", string(res.Status)),
			logx.Int("attempts", res.Attempts),
			logx.Int("http_status", res.HTTPStatus),
			logx.Duration("elapsed", res.Elapsed),
		}
		if res.OK() {
			log.Debug("delivery result", fields...)
			continue
		}
		log.Error("delivery failed", append(fields, logx.Err(res.Err))...)
		report.Capture(ctx, res.Err, map[string]string{
			"run_id": inv.RunID,
			"target": res.Target.Label(),
			"status": string(res.Status),
		})
	}
	return out
}

// prepare runs the pre-network stages and fills out.
func (r *Runner) prepare(log logx.Logger, inv Invocation, out *Outcome) error {
	if !inv.DryRun && len(inv.Targets) == 0 {
		return apperr.Validation("--webhook", "no webhook configured; pass --webhook, set default_webhooks or DISCORD_WEBHOOK_URL")
	}
	if r.Client == nil && !inv.DryRun {
		return fmt.Errorf("pipeline: no transport client")
	}

	in := inv.Context
	in.HasAttachments = len(inv.Files)+len(inv.EmbedFiles) > 0
	rc, err := render.BuildContext(in)
	if err != nil {
		return err
	}
	out.Context = rc
	for _, c := range rc.Collisions {
		log.Debug("context key collision", logx.String("key", c.Key), logx.String("from", c.From.String()), logx.String("to", c.To.String()))
	}

	var text string
	if inv.TemplateText != "" {
		text, err = render.Render(inv.TemplatePath, inv.TemplateText, rc)
	} else {
		text, err = render.RenderFile(inv.TemplatePath, rc)
	}
	if err != nil {
		return err
	}
	out.Rendered = text

	p, err := payload.Parse(inv.TemplatePath, text)
	if err != nil {
		return err
	}
	if p, err = payload.Finalize(p, inv.Payload); err != nil {
		return err
	}
	if err := payload.Validate(p, inv.Payload); err != nil {
		return err
	}
	if err := validateOverrides(p, inv); err != nil {
		return err
	}
	out.Payload = p

	all := make([]*attach.Ref, 0, len(inv.Files)+len(inv.EmbedFiles))
	all = append(all, inv.Files...)
	all = append(all, inv.EmbedFiles...)
	refs, err := attach.Resolve(p, all)
	if err != nil {
		return err
	}
	out.Attachments = refs
	out.Dropped = attach.Dropped(all, refs)
	for _, d := range out.Dropped {
		log.Debug("unreferenced embed attachment dropped", logx.String("name", d.Name))
	}
	return nil
}

// validateOverrides checks the payload each target will actually send, since
// username and avatar overrides are applied after rendering.
func validateOverrides(p payload.Payload, inv Invocation) error {
	for _, t := range inv.Targets {
		if t.Username == "" && t.AvatarURL == "" {
			continue
		}
		if err := payload.Validate(t.Apply(p), inv.Payload); err != nil {
			var ae *apperr.Error
			if errors.As(err, &ae) && ae.Target == "" {
				ae.Target = t.Label()
			}
			return err
		}
	}
	return nil
}

// dispatch delivers to every target concurrently. Request starts share one
// token bucket; a panicking delivery is reported as a transport failure.
func (r *Runner) dispatch(ctx context.Context, log logx.Logger, inv Invocation, out *Outcome) []transport.Result {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	perSec := inv.RatePerSec
	if perSec <= 0 {
		perSec = DefaultRatePerSec
	}
	lim := rate.NewLimiter(rate.Limit(perSec), perSec)

	sup := supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("comp", "dispatch"))))
	defer sup.Cancel()
	results := make([]transport.Result, len(inv.Targets))

	for i, t := range inv.Targets {
		i, t := i, t
		sup.Go("deliver."+t.Label(), func(ctx context.Context) error {
			if err := lim.Wait(ctx); err != nil {
				results[i] = transport.Result{
					Target: t,
					Status: transport.StatusFailed,
					Err:    apperr.Transport(t.Label(), fmt.Errorf("not started: %w", err)),
				}
				return nil
			}
			results[i] = r.Client.Deliver(ctx, t, out.Payload, out.Attachments)
			return nil
		}, func(pe *supervisor.PanicError) {
			results[i] = transport.Result{
				Target: t,
				Status: transport.StatusFailed,
				Err:    apperr.Transport(t.Label(), pe),
			}
		})
	}

	// Deliveries honor ctx, so waiting without a deadline cannot hang past
	// the invocation timeout.
	_ = sup.Wait(context.Background())
	c := sup.Counters()
	log.Debug("dispatch finished", logx.Int("targets", int(c.Started)), logx.Int("panics", int(c.Panics)))
	return results
}
