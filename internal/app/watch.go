package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
)

// watchDebounce is how long configuration changes must settle before a
// reload.
const watchDebounce = 200 * time.Millisecond

// Watch runs req, then runs it again every time an .hcl file under the
// configuration paths changes, until ctx is done. Failed cycles and invalid
// configuration are logged and waited out.
func (a *App) Watch(ctx context.Context, req CycleRequest) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	logger := a.logger

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer w.Close()
	for _, p := range a.config.ConfigPaths {
		if err := watchPath(w, p); err != nil {
			return err
		}
	}
	logger.Info("👀 Watching configuration for changes.", "paths", a.config.ConfigPaths)

	a.watchCycle(ctx, req)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch stopped.")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchPath(w, ev.Name); err != nil {
						logger.Warn("Cannot watch new directory.", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if filepath.Ext(ev.Name) != ".hcl" || ev.Has(fsnotify.Chmod) {
				continue
			}
			logger.Debug("Configuration file changed.", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error.", "error", err)
		case <-timer.C:
			if err := a.Reload(); err != nil {
				logger.Error("Configuration reload failed, keeping the previous one.", "error", err)
				continue
			}
			a.watchCycle(ctx, req)
		}
	}
}

func (a *App) watchCycle(ctx context.Context, req CycleRequest) {
	_, err := a.RunCycle(ctx, req)
	switch {
	case err == nil, errors.Is(err, ErrOutputsFailed):
	case ctx.Err() != nil:
	default:
		a.logger.Error("Cycle failed.", "error", err)
	}
}

// watchPath watches path, every directory below it, or the directory
// holding it when path is a file. Missing paths are skipped.
func watchPath(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error accessing path %s: %w", path, err)
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}
