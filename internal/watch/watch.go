// Package watch calls back when any of a set of files changes on disk.
//
// Parent directories are watched rather than the files themselves so editors
// that replace a file through rename keep triggering events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hookpost/internal/runtime/supervisor"
	logx "hookpost/pkg/logx"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

var errWatcherClosed = errors.New("watcher closed")

// Watcher debounces file change events into OnChange calls.
type Watcher struct {
	// Debounce is the quiet period before OnChange fires. Zero means DefaultDebounce.
	Debounce time.Duration
	// OnChange receives the path of the last file that changed in the window.
	OnChange func(ctx context.Context, path string)
	Log      logx.Logger

	files map[string]struct{}
	dirs  []string
}

// New prepares a watcher for files. Paths are made absolute.
func New(files []string, onChange func(ctx context.Context, path string), log logx.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: callback required")
	}
	w := &Watcher{OnChange: onChange, Log: log, files: map[string]struct{}{}}
	seenDir := map[string]struct{}{}
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", f, err)
		}
		w.files[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := seenDir[dir]; !ok {
			seenDir[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	if len(w.files) == 0 {
		return nil, errors.New("watch: no files to watch")
	}
	return w, nil
}

// Run blocks until ctx is done. A broken fsnotify watcher is recreated with
// jittered backoff.
func (w *Watcher) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(w.Log))
	sup.GoRestart("watch", w.watchOnce, supervisor.WithRestartBackoff(restartBackoffBase, restartBackoffMax))
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer fw.Close()
	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("add %s: %w", dir, err)
		}
	}
	w.Log.Debug("watcher started", logx.Strs("dirs", w.dirs))

	d := newDebouncer(w.debounce(), func(path string) { w.OnChange(ctx, path) })
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errWatcherClosed
			}
			if !w.matches(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				w.Log.Trace("change detected", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))
				d.trigger(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errWatcherClosed
			}
			if err == nil {
				continue
			}
			// Missed events; refresh once and keep going.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.Log.Warn("watch overflow; forcing refresh", logx.Err(err))
				d.trigger("")
				continue
			}
			if errors.Is(err, fsnotify.ErrClosed) {
				return errWatcherClosed
			}
			w.Log.Warn("watch error", logx.Err(err))
		}
	}
}

func (w *Watcher) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	_, ok := w.files[abs]
	return ok
}

func (w *Watcher) debounce() time.Duration {
	if w.Debounce > 0 {
		return w.Debounce
	}
	return DefaultDebounce
}

type debouncer struct {
	mu    sync.Mutex
	wait  time.Duration
	fn    func(string)
	timer *time.Timer
	last  string
}

func newDebouncer(wait time.Duration, fn func(string)) *debouncer {
	return &debouncer{wait: wait, fn: fn}
}

func (d *debouncer) trigger(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if path != "" {
		d.last = path
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		p := d.last
		d.mu.Unlock()
		d.fn(p)
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
