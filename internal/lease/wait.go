package lease

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Wait blocks until the session's lease is free (absent or stale) or the
// context is done. It watches the session directory for lease removal rather
// than polling, with a coarse fallback tick in case a remove event is lost.
func Wait(ctx context.Context, sessionDir string) error {
	if _, held := Inspect(sessionDir); !held {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create lease watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(sessionDir); err != nil {
		return fmt.Errorf("failed to watch session directory: %w", err)
	}

	// Re-check after the watch is in place so a release between Inspect and
	// Add is not missed.
	if _, held := Inspect(sessionDir); !held {
		return nil
	}

	leasePath := filepath.Join(sessionDir, FileName)
	fallback := time.NewTicker(time.Second)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("lease watcher closed")
			}
			if event.Name != leasePath {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if _, held := Inspect(sessionDir); !held {
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("lease watcher closed")
			}
			return fmt.Errorf("lease watcher error: %w", err)
		case <-fallback.C:
			if _, held := Inspect(sessionDir); !held {
				return nil
			}
		}
	}
}
