package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmorrell/loom/internal/budget"
)

// debounceDelay coalesces the event bursts editors produce on save.
const debounceDelay = 200 * time.Millisecond

// Logf is the logging callback the watcher reports reloads and errors to.
type Logf func(format string, args ...interface{})

// Watcher reloads the budget policy when the config file changes on disk,
// so cap changes take effect without restarting a running project.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchBudget watches the config file at path and calls apply with the new
// budget policy on every change. The parent directory is watched rather
// than the file itself: editors replace files by rename, which would
// silently detach a file-level watch.
func WatchBudget(path string, apply func(budget.Policy), logf Logf) (*Watcher, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}
	go w.run(path, apply, logf)
	return w, nil
}

func (w *Watcher) run(path string, apply func(budget.Policy), logf Logf) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	reload := func() {
		cfg, err := LoadFromPath(path)
		if err != nil {
			logf("config reload skipped: %v", err)
			return
		}
		apply(cfg.Budget)
		logf("budget policy reloaded from %s", path)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceDelay, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logf("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
