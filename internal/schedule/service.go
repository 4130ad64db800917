// Package schedule triggers named jobs from cron expressions or fixed
// intervals. A job that is still running when its next trigger fires is
// skipped for that trigger.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "hookpost/pkg/logx"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type Config struct {
	// Timezone is an IANA name; empty means local time.
	Timezone string
	// Timeout bounds each run. Zero means unbounded.
	Timeout time.Duration
}

// Entry describes a registered schedule.
type Entry struct {
	Name string
	Spec Spec
	Next time.Time
}

type def struct {
	name    string
	spec    Spec
	job     Job
	running atomic.Bool
	entryID cron.EntryID
	runs    atomic.Uint64
	skipped atomic.Uint64
}

// Service is safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*def
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

// Add registers job under name. Names are unique; cron expressions are
// checked here so configuration mistakes surface before Start.
func (s *Service) Add(name, raw string, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if spec.Kind == SpecCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", name, spec.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.defs[name]; dup {
		return fmt.Errorf("schedule %s registered twice", name)
	}
	d := &def{name: name, spec: spec, job: job}
	s.defs[name] = d
	if s.c != nil {
		return s.registerLocked(d)
	}
	return nil
}

// Start begins triggering. Runs use a context derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.loc = s.loadLocationLocked()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	for _, name := range s.namesLocked() {
		if err := s.registerLocked(s.defs[name]); err != nil {
			s.c = nil
			s.cancel()
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
	return nil
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// RunNow triggers name immediately, honoring the overlap rule. It reports
// whether the run happened.
func (s *Service) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return false, fmt.Errorf("schedule %s not found", name)
	}
	return s.run(ctx, d)
}

// Entries lists registered schedules sorted by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, name := range s.namesLocked() {
		d := s.defs[name]
		e := Entry{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e.Next = s.c.Entry(d.entryID).Next
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) registerLocked(d *def) error {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_, _ = s.run(ctx, d)
	})

	if d.spec.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec.String()), logx.Duration("startup_spread", jitter))
		return nil
	}

	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entryID = id
	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec.Cron)}
	if next := s.previewNextRunsLocked(d.spec.Cron, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

func (s *Service) run(ctx context.Context, d *def) (bool, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Warn("schedule still running; trigger skipped", logx.String("name", d.name))
		return false, nil
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	n := d.runs.Add(1)
	start := time.Now()
	err := d.job(ctx)
	fields := []logx.Field{logx.String("name", d.name), logx.Int("run", int(n)), logx.Duration("took", time.Since(start))}
	if err != nil {
		s.log.Error("scheduled run failed", append(fields, logx.Err(err))...)
		return true, err
	}
	s.log.Debug("scheduled run finished", fields...)
	return true, nil
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
