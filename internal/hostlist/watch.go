// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostlist

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/slipwire/internal/logging"
)

const watchDebounce = 500 * time.Millisecond

// Watcher reloads list-backed state when files change on disk. Editors
// and list updaters rewrite files with bursts of events, so changes
// are debounced per path before onChange fires.
type Watcher struct {
	fw       *fsnotify.Watcher
	onChange func(path string)
	logger   *logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher watches the given files. Directories are watched rather
// than the files themselves so rename-and-replace updates are seen.
func NewWatcher(paths []string, onChange func(string), logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, err
		}
	}

	return &Watcher{
		fw:       fw,
		onChange: onChange,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start consumes events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer w.fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.schedule(ev.Name)
			case err, ok := <-w.fw.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("List watcher error")
			}
		}
	}()
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.logger.Info("List changed on disk, reloading", "path", path)
		w.onChange(path)
	})
}
