package sandbox

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var skippedDirs = map[string]bool{
	"node_modules":  true,
	".git":          true,
	"__pycache__":   true,
	".pytest_cache": true,
}

// WorkspaceWatcher reports changes anywhere under a directory tree. New subdirectories
// are watched as they appear.
type WorkspaceWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	root    string
	onEvent func(FileEvent)
	logger  *zap.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

func NewWorkspaceWatcher(root string, onEvent func(FileEvent), logger *zap.Logger) (*WorkspaceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &WorkspaceWatcher{
		watcher: watcher,
		root:    root,
		onEvent: onEvent,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start registers the tree and begins delivering events. It does not block. ctx only
// bounds registration; delivery runs until Stop.
func (w *WorkspaceWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		err = w.addTree(w.root)
	}
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.watcher.Close()
		close(w.doneCh)
		return err
	}

	go w.run()
	return nil
}

// Stop ends delivery and waits for the event loop to exit. Safe to call twice.
func (w *WorkspaceWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("Failed to close workspace watcher", zap.Error(err))
	}
}

func (w *WorkspaceWatcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Workspace watcher error", zap.String("root", w.root), zap.Error(err))
		}
	}
}

func (w *WorkspaceWatcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || isSkipped(rel) {
		return
	}

	var kind string
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = "create"
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	case event.Op&fsnotify.Write != 0:
		kind = "write"
	case event.Op&fsnotify.Remove != 0:
		kind = "remove"
	case event.Op&fsnotify.Rename != 0:
		kind = "rename"
	default:
		return
	}

	w.onEvent(FileEvent{Name: filepath.ToSlash(rel), Type: kind})
}

func (w *WorkspaceWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func isSkipped(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skippedDirs[part] {
			return true
		}
	}
	return false
}
