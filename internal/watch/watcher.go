// Package watch reports changes to a single file on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"arcmount/internal/logging"

	"github.com/fsnotify/fsnotify"
)

var (
	logger = logging.GetLogger().WithPrefix("watch")
)

// Watcher calls back when a file changes. The parent directory is watched
// rather than the file itself so that replacing the file by rename, as
// most archivers do, is noticed too.
type Watcher struct {
	path     string
	debounce time.Duration
	fw       *fsnotify.Watcher
}

// New starts watching path. Events arriving within debounce of each other
// are reported once.
func New(path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	logger.Debug("Watching %s (debounce %v)", abs, debounce)
	return &Watcher{path: abs, debounce: debounce, fw: fw}, nil
}

// Run delivers change notifications to onChange until ctx is done. Calls
// to onChange never overlap. The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer w.fw.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			logger.Trace("Event %v", ev)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error: %v", err)

		case <-fire:
			fire = nil
			logger.Debug("%s changed", w.path)
			onChange(ctx)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}
