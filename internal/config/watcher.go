package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/redact"
)

// RulesWatcher hot-reloads the privacy rule file. It watches the file's
// directory rather than the file itself so editor rename-and-replace saves
// are still observed.
type RulesWatcher struct {
	path    string
	apply   func([]redact.Rule) error
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatchRules starts watching path and calls apply with each successfully
// parsed rule set. A file that fails to parse or compile is logged and
// skipped; the previous rules stay active.
func WatchRules(path string, apply func([]redact.Rule) error, logger *zap.Logger) (*RulesWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("rules path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &RulesWatcher{
		path:    path,
		apply:   apply,
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.watchLoop()

	logger.Info("Privacy rule watcher started", zap.String("path", path))
	return w, nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *RulesWatcher) Stop() {
	close(w.stopCh)
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Error closing file watcher", zap.Error(err))
	}
	<-w.doneCh
}

func (w *RulesWatcher) watchLoop() {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Rule watch loop panicked", zap.Any("panic", r))
		}
	}()

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
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *RulesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Absorb rapid successive writes from editors and atomic saves.
	time.Sleep(50 * time.Millisecond)
	w.reload(event.Op.String())
}

func (w *RulesWatcher) reload(action string) {
	rules, err := LoadRules(w.path)
	if err != nil {
		w.logger.Error("Privacy rule reload rejected",
			zap.String("path", w.path),
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}
	if err := w.apply(rules); err != nil {
		w.logger.Error("Privacy rule swap failed",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Privacy rules reloaded",
		zap.String("path", w.path),
		zap.String("action", action),
		zap.Int("rules", len(rules)),
	)
}
