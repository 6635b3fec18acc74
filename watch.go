package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/harrisonrobin/tasksync/pkg/engine"
)

const defaultDebounce = 2 * time.Second

func newWatchCmd() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever a task source file changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, debounce)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "quiet period after the last change before syncing")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, debounce time.Duration) error {
	logger := commandLogger(cmd)

	app, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	paths := app.source.Paths()
	if len(paths) == 0 {
		return fmt.Errorf("watch: the %q source has no files to watch", resolvedCfg.Source.Kind)
	}

	w, err := newSourceWatcher(paths, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	trigger := func(reason string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := app.engine.Run(ctx, resolvedCfg, engine.RunOptions{})
			switch {
			case errors.Is(err, engine.ErrRunInProgress):
				logger.Info("change ignored, a run is in progress", slog.String("trigger", reason))
			case err != nil:
				logger.Error("sync failed", slog.String("trigger", reason), slog.String("error", err.Error()))
			default:
				fmt.Fprintln(cmd.OutOrStdout(), rep.Summary())
			}
		}()
	}

	trigger("startup")
	w.Run(ctx, debounce, trigger)
	return nil
}

// sourceWatcher watches the directories of the source files and reports
// changes to those files only.
type sourceWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	logger  *slog.Logger
}

func newSourceWatcher(paths []string, logger *slog.Logger) (*sourceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	sw := &sourceWatcher{watcher: watcher, files: make(map[string]bool), logger: logger}
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		sw.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Editors replace files by rename, so the directory is watched rather
	// than the file itself.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch: watching %s: %w", dir, err)
		}
		logger.Debug("watching directory", slog.String("dir", dir))
	}
	return sw, nil
}

func (sw *sourceWatcher) Close() error {
	return sw.watcher.Close()
}

// Run calls fire once a burst of changes has been quiet for debounce. It
// returns when ctx is done or the watcher closes.
func (sw *sourceWatcher) Run(ctx context.Context, debounce time.Duration, fire func(reason string)) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !sw.relevant(ev) {
				continue
			}
			sw.logger.Debug("source changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			pending = filepath.Base(ev.Name)
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("watcher error", slog.String("error", err.Error()))
		case <-timerC:
			timerC = nil
			fire(pending)
		}
	}
}

func (sw *sourceWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	return sw.files[abs]
}
