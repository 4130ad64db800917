// hookpost renders a JSON message template and posts it to one or more
// Discord-style webhooks.
//
// Usage:
//
//	hookpost send --template alert.json.tmpl --message "disk full" --webhook ops
//	hookpost preview --template alert.json.tmpl --var title=Backup
//	hookpost watch --template alert.json.tmpl
//	hookpost schedule --config hookpost.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hookpost/internal/apperr"
	"hookpost/internal/config"
	"hookpost/internal/report"
	logx "hookpost/pkg/logx"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// app carries global flags and per-process state shared by subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	envPath    string
	verbose    int
	quiet      bool
	logJSON    bool
	noRedact   bool

	cfg  *config.Config
	env  map[string]string
	log  logx.Logger
	http *http.Client
	now  func() time.Time

	// mu guards cfg and env while schedules reload them.
	mu      sync.Mutex
	closers []func()
}

// exitError carries an exit status whose details were already printed.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, now: time.Now}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return apperr.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if code := apperr.ExitCode(err); code != apperr.ExitOK {
		return code
	}
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "hookpost",
		Short: "Render templated messages and post them to chat webhooks",
		Long: `hookpost renders a JSON payload from a text template, validates it against
the webhook schema and limits, resolves attachments, and delivers it to every
configured webhook with a single retry on rate limiting.

Exit status: 0 ok, 2 validation, 3 transport, 4 rate limit exhausted, 5 template.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup() },
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperr.Validation("flags", "%v", err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (YAML or JSON); defaults to ./hookpost.yaml when present")
	pf.StringVar(&a.envPath, "env", "", "environment file layered over ./.env")
	pf.CountVarP(&a.verbose, "verbose", "v", "more logging (-v debug, -vv trace)")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "log errors only")
	pf.BoolVar(&a.logJSON, "log-json", false, "log JSON lines instead of console output")
	pf.BoolVar(&a.noRedact, "no-redact", false, "log webhook URLs unredacted")

	root.AddCommand(sendCmd(a))
	root.AddCommand(previewCmd(a))
	root.AddCommand(watchCmd(a))
	root.AddCommand(scheduleCmd(a))
	root.AddCommand(versionCmd())
	return root
}

// setup loads config and environment and builds the logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return apperr.Validation("--config", "%v", err)
	}
	a.cfg = cfg
	if err := a.loadEnv(); err != nil {
		return err
	}

	logx.SetRedaction(!a.noRedact)
	log, closer := logx.New(logx.Config{
		Level: a.logLevel(),
		JSON:  a.logJSON || cfg.Logging.JSON,
		File:  logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	a.closers = append(a.closers, func() { _ = closer.Close() })
	a.log = log

	dsn := cfg.Sentry.DSN
	if dsn == "" {
		dsn = a.env["SENTRY_DSN"]
	}
	flush, err := report.Init(report.Config{DSN: dsn, Environment: cfg.Sentry.Environment, Release: "hookpost@" + version})
	if err != nil {
		a.log.Warn("error reporting disabled", logx.Err(err))
	}
	a.closers = append(a.closers, func() { flush(2 * time.Second) })
	return nil
}

// reload re-reads the config file and the environment layer.
func (a *app) reload() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return apperr.Validation("--config", "%v", err)
	}
	a.cfg = cfg
	return a.loadEnv()
}

// loadEnv (re)reads the environment layer.
func (a *app) loadEnv() error {
	path := a.envPath
	if path == "" && a.cfg != nil {
		path = a.cfg.Defaults.EnvFile
	}
	env, err := config.LoadEnvironment(path, config.DefaultEnvSearchPaths)
	if err != nil {
		return apperr.Validation("--env", "%v", err)
	}
	a.env = env
	return nil
}

func (a *app) logLevel() string {
	switch {
	case a.quiet:
		return "error"
	case a.verbose >= 2:
		return "trace"
	case a.verbose == 1:
		return "debug"
	case a.cfg != nil && a.cfg.Logging.Level != "":
		return a.cfg.Logging.Level
	default:
		return "info"
	}
}

func (a *app) close() {
	// flush reports before closing the log file
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print the version",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hookpost %s\n", version)
		},
	}
}
