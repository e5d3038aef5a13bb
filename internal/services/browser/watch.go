package browser

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/models"
)

// WatchFlowFile reloads the flow at path whenever it is written or replaced
// and passes each valid version to apply. Edits that fail to load are
// logged and the previous flow stays in effect. Blocks until ctx is done.
func WatchFlowFile(ctx context.Context, path string, logger arbor.ILogger, apply func(models.AutomationFlow)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve flow path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file by rename are seen
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	logger.Info().Str("path", target).Msg("Watching flow file for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			flow, err := LoadFlowFile(target)
			if err != nil {
				logger.Warn().Err(err).Str("path", target).Msg("Ignoring invalid flow file change")
				continue
			}
			logger.Info().Str("flow", flow.Name).Int("steps", len(flow.Steps)).Msg("Reloaded flow file")
			apply(flow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Flow file watcher error")
		}
	}
}
