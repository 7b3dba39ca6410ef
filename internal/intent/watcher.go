package intent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/deckhand-ai/deckhand/internal/observability"
)

// Watcher keeps a Hotspots set in sync with a per-project hot-spot file.
// Parse errors keep the previous good set and log a warning; a deleted
// file falls back to the built-in defaults.
type Watcher struct {
	path     string
	hotspots *Hotspots
	logger   *observability.Logger
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher loads the hot-spot file (when present) and starts watching
// its directory for changes. The directory is watched rather than the
// file so editor rename-on-save and late file creation are picked up.
func NewWatcher(path string, hotspots *Hotspots, logger *observability.Logger) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		hotspots: hotspots,
		logger:   logger,
		done:     make(chan struct{}),
	}
	w.reload()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fsw = fsw

	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn(context.Background(), "hot-spot watcher error", "error", err)
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	patterns, err := LoadPatternsFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			if setErr := w.hotspots.SetPatterns(DefaultPatterns); setErr == nil && w.logger != nil {
				w.logger.Debug(context.Background(), "hot-spot file absent, using defaults", "path", w.path)
			}
			return
		}
		if w.logger != nil {
			w.logger.Warn(context.Background(), "hot-spot file unreadable, keeping previous set",
				"path", w.path, "error", err)
		}
		return
	}
	if err := w.hotspots.SetPatterns(patterns); err != nil {
		if w.logger != nil {
			w.logger.Warn(context.Background(), "invalid hot-spot pattern, keeping previous set",
				"path", w.path, "error", err)
		}
		return
	}
	if w.logger != nil {
		w.logger.Info(context.Background(), "hot-spot patterns loaded",
			"path", w.path, "count", len(patterns))
	}
}

// LoadPatternsFile reads a hot-spot file: either a bare YAML list of
// patterns or a mapping with a "hotspots" key.
func LoadPatternsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Hotspots []string `yaml:"hotspots"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Hotspots == nil {
		return nil, fmt.Errorf("parse %s: no hot-spot list found", path)
	}
	return doc.Hotspots, nil
}
