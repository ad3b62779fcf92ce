package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/api/schemas"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives every manifest that loads cleanly after a change.
type ReloadFunc func(m *schemas.Manifest, warnings []Warning)

// Watch reloads path whenever it is written, created or renamed into place,
// calling fn with each valid result. Invalid edits are logged and skipped.
// It blocks until ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *zap.Logger, fn ReloadFunc) error {
	logger = logger.Named("manifest")
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand manifest path: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("failed to resolve manifest path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()
	// Watch the directory; editors often replace the file instead of writing it.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Manifest watcher error.", zap.Error(err))
		case <-timer.C:
			m, warnings, err := Load(abs)
			if err != nil {
				logger.Warn("Ignoring manifest change.", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("Manifest reloaded.", zap.String("path", abs), zap.Int("targets", len(m.Targets)), zap.Int("warnings", len(warnings)))
			fn(m, warnings)
		}
	}
}
