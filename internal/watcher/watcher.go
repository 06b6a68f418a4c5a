// Package watcher turns a local drop directory into file_upload mutations.
//
// Files placed into the watched directory are debounced until writes settle
// and then enqueued for asynchronous upload. Deletions and dotfiles are
// ignored.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildrunner/brsync/internal/store"
)

// Enqueuer accepts mutations for delivery. *queue.Engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind store.Kind, payload json.RawMessage, projectID string) (string, error)
}

// Config holds configuration for the upload watcher.
type Config struct {
	// DebounceInterval is how long a file must sit unmodified before it is
	// enqueued. This batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher monitors one drop directory and enqueues uploads for a project.
type Watcher struct {
	dir       string
	projectID string
	enqueuer  Enqueuer
	config    *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event timestamp
	changeQueueMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for dir. Use Start() to begin watching.
func New(dir, projectID string, enqueuer Enqueuer, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("enqueuer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		dir:         dir,
		projectID:   projectID,
		enqueuer:    enqueuer,
		config:      config,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Start begins watching. Non-blocking; use Stop to shut down.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch upload directory: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processChangeQueue(ctx)

	w.config.Logger.Printf("Watching uploads in %s", w.dir)
	return nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; a removed file has nothing
			// left to upload.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a file event, restarting its debounce window.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue enqueues files whose writes have settled.
func (w *Watcher) processChangeQueue(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges enqueues every file whose last event is older than
// the debounce interval.
func (w *Watcher) processPendingChanges(ctx context.Context) {
	w.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, ts := range w.changeQueue {
		if now.Sub(ts) >= w.config.DebounceInterval {
			ready = append(ready, path)
			delete(w.changeQueue, path)
		}
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := w.enqueueUpload(ctx, path); err != nil {
			w.config.Logger.Printf("Warning: failed to enqueue upload for %s: %v", path, err)
		}
	}
}

// enqueueUpload submits one settled file as a file_upload mutation. The
// payload carries the path only; the file content is read at dispatch time.
func (w *Watcher) enqueueUpload(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		// Deleted between event and debounce expiry.
		return nil
	}
	if info.IsDir() {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"path": path,
		"name": filepath.Base(path),
	})
	if err != nil {
		return fmt.Errorf("failed to encode upload payload: %w", err)
	}

	id, err := w.enqueuer.Enqueue(ctx, store.KindFileUpload, payload, w.projectID)
	if err != nil {
		return err
	}

	w.config.Logger.Printf("Queued upload of %s (item %s)", filepath.Base(path), id)
	return nil
}
