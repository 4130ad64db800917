package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"hookpost/internal/config"
	"hookpost/internal/report"
	"hookpost/internal/watch"
	logx "hookpost/pkg/logx"
)

func watchCmd(a *app) *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-render the preview whenever the template or env file changes",
		Long: `watch prints the dry-run preview once, then again after every change to the
template, the env file or the config file. Errors are printed and watching
continues. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o.dryRun = true
			return a.watch(cmd.Context(), &o)
		},
	}
	o.bind(cmd.Flags())
	_ = cmd.Flags().MarkHidden("dry-run")
	return cmd
}

func (a *app) watch(ctx context.Context, o *sendOptions) error {
	inv, err := a.invocation(o)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	preview := func(ctx context.Context, changed string) {
		mu.Lock()
		defer mu.Unlock()
		if changed != "" {
			fmt.Fprintf(a.stdout, "--- %s changed\n", changed)
			if err := a.reload(); err != nil {
				fmt.Fprintf(a.stderr, "Error: %v\n", err)
				return
			}
		}
		inv, err := a.invocation(o)
		if err == nil {
			err = a.finish(a.runner(o).Run(report.WithHub(ctx), inv), true)
		}
		if err != nil {
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
		}
	}

	files := []string{inv.TemplatePath}
	files = append(files, a.watchedConfigFiles()...)
	w, err := watch.New(files, preview, a.log.With(logx.String("comp", "watch")))
	if err != nil {
		return err
	}

	preview(ctx, "")
	a.log.Info("watching for changes", logx.Strs("files", files))
	return w.Run(ctx)
}

// watchedConfigFiles lists the env and config files that exist.
func (a *app) watchedConfigFiles() []string {
	var out []string
	candidates := []string{a.envPath, a.cfg.Defaults.EnvFile}
	candidates = append(candidates, config.DefaultEnvSearchPaths...)
	if a.configPath != "" {
		candidates = append(candidates, a.configPath)
	} else {
		candidates = append(candidates, config.DefaultPaths...)
	}
	for _, p := range candidates {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			out = append(out, p)
		}
	}
	return out
}
