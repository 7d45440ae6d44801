package mcpwire

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the servers file after external edits. The watch
// covers the parent directory because atomic write-temp-rename replaces the
// inode the file path points at.
type ConfigWatcher struct {
	store   *ConfigStore
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	onLoad  func(*File)
	done    chan struct{}
}

// NewConfigWatcher starts watching the store's file. onLoad is invoked with
// the freshly parsed file on every relevant change; parse failures are
// logged and skipped.
func NewConfigWatcher(store *ConfigStore, logger *slog.Logger, onLoad func(*File)) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(store.Path())); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &ConfigWatcher{
		store:   store,
		logger:  logger.With("component", "mcp-watch"),
		watcher: watcher,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *ConfigWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *ConfigWatcher) run() {
	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			f, err := w.store.Load()
			if err != nil {
				w.logger.Warn("failed to reload MCP servers file", "error", err)
				continue
			}
			w.logger.Info("MCP servers file reloaded", "servers", len(f.Servers))
			if w.onLoad != nil {
				w.onLoad(f)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}
