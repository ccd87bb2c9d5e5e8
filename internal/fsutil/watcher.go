package fsutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventWatcher monitors a <root>/<event>/<channel>/ tree and reports an event
// directory once no FITS file under it has changed for the debounce period.
type EventWatcher struct {
	root     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// Ready receives event directory names.
	Ready chan string

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewEventWatcher creates a watcher for root.
func NewEventWatcher(root string, debounce time.Duration, logger *slog.Logger) (*EventWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &EventWatcher{
		root:     filepath.Clean(root),
		debounce: debounce,
		watcher:  w,
		logger:   logger,
		Ready:    make(chan string, 100),
		pending:  map[string]*time.Timer{},
	}, nil
}

// Run watches until ctx is done, then closes Ready.
func (ew *EventWatcher) Run(ctx context.Context) error {
	defer close(ew.Ready)
	defer ew.stopTimers()
	defer ew.watcher.Close()

	if err := os.MkdirAll(ew.root, 0o755); err != nil {
		return err
	}
	if err := ew.addTree(ew.root); err != nil {
		return err
	}
	ew.logger.Info("watching raw image directory", "root", ew.root, "debounce", ew.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ew.watcher.Events:
			if !ok {
				return nil
			}
			ew.handle(ctx, ev)
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return nil
			}
			ew.logger.Error("filesystem watcher error", "error", err)
		}
	}
}

func (ew *EventWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := ew.addTree(ev.Name); err != nil {
				ew.logger.Warn("cannot watch directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !IsFITSFile(ev.Name) {
		return
	}
	event := ew.eventOf(ev.Name)
	if event == "" {
		return
	}

	ew.mu.Lock()
	defer ew.mu.Unlock()
	if t, ok := ew.pending[event]; ok && t.Stop() {
		t.Reset(ew.debounce)
		return
	}
	ew.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(ew.debounce, func() {
		defer ew.wg.Done()
		ew.mu.Lock()
		if ew.pending[event] == t {
			delete(ew.pending, event)
		}
		ew.mu.Unlock()
		select {
		case ew.Ready <- event:
		case <-ctx.Done():
		}
	})
	ew.pending[event] = t
}

// eventOf returns the first path component below root.
func (ew *EventWatcher) eventOf(path string) string {
	rel, err := filepath.Rel(ew.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func (ew *EventWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ew.watcher.Add(path)
		}
		return nil
	})
}

// stopTimers cancels pending timers and waits for fired callbacks.
func (ew *EventWatcher) stopTimers() {
	ew.mu.Lock()
	for event, t := range ew.pending {
		if t.Stop() {
			ew.wg.Done()
		}
		delete(ew.pending, event)
	}
	ew.mu.Unlock()
	ew.wg.Wait()
}
