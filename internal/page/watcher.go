package page

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// FileWatcher reloads a Document from an HTML dump whenever the file changes.
// Browser-side tooling writes document.body.outerHTML to the file.
type FileWatcher struct {
	path     string
	url      string
	doc      *Document
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	wg      sync.WaitGroup
}

// NewFileWatcher creates a watcher for path. url is reported as the page URL
// of every reload; an empty url keeps the document's current one.
func NewFileWatcher(path, url string, doc *Document, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		path:     path,
		url:      url,
		doc:      doc,
		debounce: defaultDebounce,
		logger:   logger,
	}
}

// Start loads the file once and then watches its directory, since editors
// and browsers often replace files by rename.
func (w *FileWatcher) Start(ctx context.Context) error {
	if w.watcher != nil {
		return nil
	}
	if err := w.Reload(); err != nil && !os.IsNotExist(err) {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop closes the watcher and cancels any pending reload.
func (w *FileWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher = nil
}

// Reload reads the file and replaces the document with its contents.
func (w *FileWatcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	if err := w.doc.Replace(string(data), w.url); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	w.logger.Debug("page reloaded", "path", w.path, "bytes", len(data))
	return nil
}

func (w *FileWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("page watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Warn("page reload failed", "path", w.path, "error", err)
		}
	})
}
