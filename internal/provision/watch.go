package provision

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

// Watch re-applies the inventory at path whenever it changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file by rename are seen. Reload errors are logged and the previous state
// is kept.
func Watch(ctx context.Context, path string, store slotstore.Store, logger pslog.Logger) error {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "provision.watch")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("provision: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("provision: watch %s: %w", dir, err)
	}
	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload(ctx, path, store, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("provision.watch.error", "error", err)
			}
		}
	}()
	return nil
}

func reload(ctx context.Context, path string, store slotstore.Store, logger pslog.Logger) {
	f, err := Load(path)
	if err != nil {
		logger.Warn("provision.reload.failed", "path", path, "error", err)
		return
	}
	res, err := Apply(ctx, store, f, logger)
	if err != nil {
		logger.Warn("provision.reload.failed", "path", path, "error", err)
		return
	}
	logger.Info("provision.reload.applied", "path", path, "created", len(res.Created), "refreshed", len(res.Refreshed))
}
