package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"hookpost/internal/apperr"
	"hookpost/internal/attach"
	"hookpost/internal/config"
	"hookpost/internal/payload"
	"hookpost/internal/pipeline"
	"hookpost/internal/render"
	"hookpost/internal/report"
	"hookpost/internal/transport"
	logx "hookpost/pkg/logx"
)

// Environment keys read by the CLI.
const (
	envWebhookURL = "DISCORD_WEBHOOK_URL"
	envUsername   = "DISCORD_USERNAME"
	envAvatarURL  = "DISCORD_AVATAR_URL"
	envThreadID   = "DISCORD_THREAD_ID"
)

type sendOptions struct {
	template   string
	message    string
	everyone   bool
	vars       []string
	jsonVars   []string
	files      []string
	embedFiles []string
	webhooks   []string

	dryRun         bool
	noRetry        bool
	threadID       string
	suppressEmbeds bool
	allowMentions  []string
	username       string
	avatarURL      string
	timeout        time.Duration
	deadline       time.Duration

	// changed reports whether a flag was set explicitly.
	changed func(name string) bool
}

func (o *sendOptions) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.template, "template", "t", "", "template file (defaults.template from config)")
	fs.StringVarP(&o.message, "message", "m", "", "message text exposed as .message")
	fs.BoolVar(&o.everyone, "everyone", false, `set .message_prefix to "@everyone, "`)
	fs.StringArrayVar(&o.vars, "var", nil, "template variable key=value (repeatable)")
	fs.StringArrayVar(&o.jsonVars, "json-var", nil, "template variable key=<json> (repeatable)")
	fs.StringArrayVar(&o.files, "file", nil, "upload path[::description[::content-type]] (repeatable)")
	fs.StringArrayVar(&o.embedFiles, "embed-file", nil, "like --file, uploaded only when referenced as attachment://name")
	fs.StringArrayVarP(&o.webhooks, "webhook", "w", nil, "webhook URL or configured name (repeatable)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "print the payload and attachments without sending")
	fs.BoolVar(&o.noRetry, "no-retry", false, "do not retry after HTTP 429")
	fs.StringVar(&o.threadID, "thread-id", "", "post into this thread")
	fs.BoolVar(&o.suppressEmbeds, "suppress-embeds", false, "set the suppress-embeds message flag")
	fs.StringSliceVar(&o.allowMentions, "allow-mentions", nil, "mention types to allow: everyone,roles,users")
	fs.StringVar(&o.username, "username", "", "override the webhook username")
	fs.StringVar(&o.avatarURL, "avatar-url", "", "override the webhook avatar")
	fs.DurationVar(&o.timeout, "timeout", 0, "per-request timeout (defaults.timeout, 10s)")
	fs.DurationVar(&o.deadline, "deadline", 0, "bound on the whole delivery phase (0 = none)")
	o.changed = fs.Changed
}

func (o *sendOptions) isSet(name string) bool { return o.changed != nil && o.changed(name) }

func sendCmd(a *app) *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Render a template and post it to the configured webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd.Context(), &o)
		},
	}
	o.bind(cmd.Flags())
	return cmd
}

func previewCmd(a *app) *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render and validate a template without sending (send --dry-run)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o.dryRun = true
			return a.send(cmd.Context(), &o)
		},
	}
	o.bind(cmd.Flags())
	_ = cmd.Flags().MarkHidden("dry-run")
	return cmd
}

func (a *app) send(ctx context.Context, o *sendOptions) error {
	inv, err := a.invocation(o)
	if err != nil {
		return err
	}
	out := a.runner(o).Run(report.WithHub(ctx), inv)
	return a.finish(out, inv.DryRun)
}

// finish prints the outcome and maps it to an exit status.
func (a *app) finish(out *pipeline.Outcome, dryRun bool) error {
	if out.Err != nil {
		return out.Err
	}
	write := pipeline.WriteSummary
	if dryRun {
		write = pipeline.WriteDryRun
	}
	if err := write(a.stdout, out); err != nil {
		return err
	}
	if code := out.ExitCode(); code != apperr.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func (a *app) runner(o *sendOptions) *pipeline.Runner {
	timeout := a.cfg.Timeout()
	if o.isSet("timeout") {
		timeout = o.timeout
	}
	client := transport.New(transport.Config{
		HTTP:           a.http,
		Retry:          !o.noRetry && a.cfg.Retry(),
		RequestTimeout: timeout,
		UserAgent:      "hookpost/" + version,
		Log:            a.log.With(logx.String("comp", "transport")),
	})
	return &pipeline.Runner{Client: client, Log: a.log}
}

// invocation turns options, config and environment into a pipeline input.
func (a *app) invocation(o *sendOptions) (pipeline.Invocation, error) {
	var inv pipeline.Invocation

	tmpl := strings.TrimSpace(o.template)
	if tmpl == "" {
		tmpl = strings.TrimSpace(a.cfg.Defaults.Template)
	}
	if tmpl == "" {
		return inv, apperr.Validation("--template", "template required; pass --template or set defaults.template")
	}

	vars, err := render.ParseAssignments("--var", o.vars)
	if err != nil {
		return inv, err
	}
	jsonVars, err := render.ParseAssignments("--json-var", o.jsonVars)
	if err != nil {
		return inv, err
	}

	files, err := attach.ParseSpecs("--file", o.files, false)
	if err != nil {
		return inv, err
	}
	embeds, err := attach.ParseSpecs("--embed-file", o.embedFiles, true)
	if err != nil {
		return inv, err
	}

	opts := payload.Options{SuppressEmbeds: o.suppressEmbeds || a.cfg.Defaults.SuppressEmbeds}
	switch {
	case o.isSet("allow-mentions"):
		opts.AllowMentions = append([]string{}, o.allowMentions...)
	case a.cfg.Defaults.AllowMentions != nil:
		opts.AllowMentions = append([]string{}, a.cfg.Defaults.AllowMentions...)
	}
	if opts.OptedIn() {
		if err := payload.ValidateMentionList(opts.AllowMentions); err != nil {
			return inv, err
		}
	}

	targets, err := a.targets(o)
	if err != nil && !(o.dryRun && errors.Is(err, errNoWebhook)) {
		return inv, err
	}

	inv = pipeline.Invocation{
		TemplatePath: tmpl,
		Context: render.Inputs{
			Env:       a.env,
			Overrides: overrides(o),
			Vars:      vars,
			JSONVars:  jsonVars,
			Now:       a.now().UTC(),
			Broadcast: o.everyone,
			Message:   o.message,
		},
		Payload:    opts,
		Files:      files,
		EmbedFiles: embeds,
		Targets:    targets,
		DryRun:     o.dryRun,
		Timeout:    o.deadline,
		RatePerSec: a.cfg.RatePerSec(),
	}
	return inv, nil
}

// overrides exposes explicit CLI settings to templates under the same keys
// the environment uses, so they win over it.
func overrides(o *sendOptions) map[string]string {
	m := map[string]string{}
	if o.username != "" {
		m[envUsername] = o.username
	}
	if o.avatarURL != "" {
		m[envAvatarURL] = o.avatarURL
	}
	if o.threadID != "" {
		m[envThreadID] = o.threadID
	}
	return m
}

var errNoWebhook = apperr.Validation("--webhook", "no webhook configured; pass --webhook, set default_webhooks or %s", envWebhookURL)

// targets resolves --webhook entries, then default_webhooks, then
// DISCORD_WEBHOOK_URL. Per-target settings fall back to the environment.
func (a *app) targets(o *sendOptions) ([]transport.Target, error) {
	names := o.webhooks
	if len(names) == 0 {
		names = a.cfg.DefaultWebhooks
	}

	var out []transport.Target
	for _, w := range names {
		w = strings.TrimSpace(w)
		if hook, ok := a.cfg.Webhook(w); ok {
			out = append(out, transport.Target{
				Name:      hook.Name,
				URL:       hook.URL,
				Username:  hook.Username,
				AvatarURL: hook.AvatarURL,
				ThreadID:  hook.ThreadID,
			})
			continue
		}
		if err := config.CheckURL(w); err != nil {
			return nil, apperr.Validation("--webhook", "%s is neither a configured webhook nor a valid URL: %v", logx.Redact(w), err)
		}
		out = append(out, transport.Target{URL: w})
	}
	if len(out) == 0 {
		u := strings.TrimSpace(a.env[envWebhookURL])
		if u == "" {
			return nil, errNoWebhook
		}
		if err := config.CheckURL(u); err != nil {
			return nil, apperr.Validation(envWebhookURL, "%v", err)
		}
		out = append(out, transport.Target{URL: u})
	}

	for i := range out {
		t := &out[i]
		t.Username = firstNonEmpty(o.username, t.Username, a.env[envUsername])
		t.AvatarURL = firstNonEmpty(o.avatarURL, t.AvatarURL, a.env[envAvatarURL])
		t.ThreadID = firstNonEmpty(o.threadID, t.ThreadID, a.env[envThreadID])
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
