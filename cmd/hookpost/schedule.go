package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"hookpost/internal/apperr"
	"hookpost/internal/config"
	"hookpost/internal/pipeline"
	"hookpost/internal/report"
	"hookpost/internal/schedule"
	logx "hookpost/pkg/logx"
)

func scheduleCmd(a *app) *cobra.Command {
	var (
		list        bool
		tz          string
		runTimeout  time.Duration
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the schedules from the config file until interrupted",
		Long: `schedule sends every entry under "schedules" in the config file on its cron
expression or interval. A run that is still going when its next trigger fires
skips that trigger. Under systemd (Type=notify) readiness is reported once all
schedules are registered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.scheduler(schedule.Config{Timezone: tz, Timeout: runTimeout})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := svc.Start(ctx); err != nil {
				return apperr.Validation("schedules", "%v", err)
			}
			if list {
				a.printEntries(svc.Entries())
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				svc.Stop(stopCtx)
				return nil
			}

			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				a.log.Warn("sd_notify ready failed", logx.Err(err))
			} else if ok {
				a.log.Debug("sd_notify ready sent")
			}

			<-ctx.Done()
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			svc.Stop(stopCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print schedules and their next run, then exit")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for cron expressions (default local)")
	cmd.Flags().DurationVar(&runTimeout, "run-timeout", 0, "bound on each scheduled run (0 = none)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "wait this long for running sends on shutdown")
	return cmd
}

// scheduler registers every configured schedule.
func (a *app) scheduler(cfg schedule.Config) (*schedule.Service, error) {
	if len(a.cfg.Schedules) == 0 {
		return nil, apperr.Validation("schedules", "config has no schedules")
	}
	svc := schedule.New(cfg, a.log.With(logx.String("comp", "schedule")))
	for _, s := range a.cfg.Schedules {
		o := scheduleOptions(s)
		name := s.Name
		err := svc.Add(name, s.Spec, func(ctx context.Context) error {
			return a.scheduledSend(ctx, name, o)
		})
		if err != nil {
			return nil, apperr.Validation("schedules", "%v", err)
		}
	}
	return svc, nil
}

func (a *app) scheduledSend(ctx context.Context, name string, o *sendOptions) error {
	// The environment layer is loaded once per invocation.
	a.mu.Lock()
	err := a.loadEnv()
	var inv pipeline.Invocation
	if err == nil {
		inv, err = a.invocation(o)
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}
	inv.Context.Overrides["SCHEDULE_NAME"] = name
	out := a.runner(o).Run(report.WithHub(ctx), inv)
	if out.Err != nil {
		return out.Err
	}
	if err := a.finish(out, false); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// scheduleOptions maps a config schedule onto send flags.
func scheduleOptions(s config.ScheduleSpec) *sendOptions {
	o := &sendOptions{
		template: s.Template,
		message:  s.Message,
		everyone: s.Everyone,
		files:    append([]string(nil), s.Files...),
		webhooks: append([]string(nil), s.Webhooks...),
	}
	for _, k := range sortedKeys(s.Vars) {
		o.vars = append(o.vars, k+"="+s.Vars[k])
	}
	raw := make(map[string]string, len(s.JSONVars))
	for k, v := range s.JSONVars {
		raw[k] = string(v)
	}
	for _, k := range sortedKeys(raw) {
		o.jsonVars = append(o.jsonVars, k+"="+raw[k])
	}
	return o
}

func (a *app) printEntries(entries []schedule.Entry) {
	for _, e := range entries {
		next := "-"
		if !e.Next.IsZero() {
			next = e.Next.Format(time.RFC3339)
		}
		fmt.Fprintf(a.stdout, "%s\t%s\tnext=%s\n", e.Name, e.Spec.String(), next)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
