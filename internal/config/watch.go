package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from editors.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration when the file (or any .cue file in the
// directory) changes. A reload that fails to load keeps the previous
// configuration and is only logged.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	isFile   bool
}

// NewWatcher starts watching path. onChange is called from the Run
// goroutine with every successfully reloaded configuration.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	// Editors replace files by rename, which drops a watch on the file
	// itself; watch the parent directory and filter by name instead.
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
		isFile:   !info.IsDir(),
	}, nil
}

// Run processes file events until ctx is cancelled. The debounce timer is
// owned by this goroutine, so a reload never runs after Run returned.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	slog.Info("config watcher started", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("config watcher stopped", "path", w.path)
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			slog.Debug("config file changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)

		case <-timer.C:
			w.Reload()
		}
	}
}

// Reload loads the configuration now and hands it to onChange.
func (w *Watcher) Reload() bool {
	cfg, errs := Load(w.path, LoadModeCollectAll)
	if len(errs) > 0 {
		for _, err := range errs {
			slog.Error("config reload failed, keeping previous configuration", "path", w.path, "error", err)
		}
		return false
	}
	slog.Info("config reloaded", "path", w.path, "events", len(cfg.Events), "files", cfg.FileCount)
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return true
}

// relevant filters editor noise: only writes, creates, renames and removes
// of the watched file or of .cue files in the watched directory count.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if w.isFile {
		return filepath.Clean(ev.Name) == filepath.Clean(w.path)
	}
	return filepath.Ext(ev.Name) == ".cue"
}
