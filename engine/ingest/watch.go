package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long document events must settle before a rescan.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	Debounce time.Duration // zero means DefaultDebounce
	Interval time.Duration // periodic rescan on top of events; zero disables
	Logger   *slog.Logger
}

// Watch calls run once, then again each time files matching glob in dir are
// created, written, removed or renamed and the events have settled. It
// returns nil when ctx is done. Errors from run are logged, not returned.
func Watch(ctx context.Context, dir, glob string, opts WatchOptions, run func(context.Context) error) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("ingest: watch %s: %w", dir, err)
	}
	log.Info("watching documents", "dir", dir, "glob", glob, "interval", opts.Interval)

	trigger := func(reason string) {
		log.Debug("rescanning documents", "reason", reason)
		if err := run(ctx); err != nil && ctx.Err() == nil {
			log.Error("ingest run failed", "err", err)
		}
	}
	trigger("start")

	var tick <-chan time.Time
	if opts.Interval > 0 {
		t := time.NewTicker(opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	settle := time.NewTimer(opts.Debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !documentEvent(ev, glob) {
				continue
			}
			log.Debug("document event", "path", ev.Name, "op", ev.Op.String())
			settle.Reset(opts.Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "err", err)
		case <-settle.C:
			trigger("change")
		case <-tick:
			trigger("interval")
		}
	}
}

func documentEvent(ev fsnotify.Event, glob string) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	ok, err := filepath.Match(glob, filepath.Base(ev.Name))
	return err == nil && ok
}
