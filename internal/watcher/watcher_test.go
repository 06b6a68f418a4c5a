package watcher

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildrunner/brsync/internal/store"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	kinds []store.Kind
	paths []string
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, kind store.Kind, payload json.RawMessage, projectID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	r.kinds = append(r.kinds, kind)
	r.paths = append(r.paths, p.Path)
	return "item-1", nil
}

func (r *recordingEnqueuer) snapshot() ([]store.Kind, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Kind(nil), r.kinds...), append([]string(nil), r.paths...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testWatcher(t *testing.T, enq Enqueuer) (*Watcher, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "uploads")
	w, err := New(dir, "p1", enq, &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	return w, dir
}

func TestDroppedFileEnqueuesUpload(t *testing.T) {
	enq := &recordingEnqueuer{}
	_, dir := testWatcher(t, enq)

	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, paths := enq.snapshot()
		return len(paths) == 1 && paths[0] == path
	})

	kinds, _ := enq.snapshot()
	if kinds[0] != store.KindFileUpload {
		t.Errorf("expected kind %q, got %q", store.KindFileUpload, kinds[0])
	}
}

func TestDotfilesIgnored(t *testing.T) {
	enq := &recordingEnqueuer{}
	_, dir := testWatcher(t, enq)

	if err := os.WriteFile(filepath.Join(dir, ".partial"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write dotfile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, paths := enq.snapshot()
		return len(paths) >= 1
	})

	_, paths := enq.snapshot()
	for _, p := range paths {
		if filepath.Base(p) == ".partial" {
			t.Error("dotfile should not be enqueued")
		}
	}
}

func TestRapidWritesCoalesce(t *testing.T) {
	enq := &recordingEnqueuer{}
	_, dir := testWatcher(t, enq)

	path := filepath.Join(dir, "big.bin")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, paths := enq.snapshot()
		return len(paths) >= 1
	})

	// Allow any trailing debounce window to drain, then check no duplicate
	// enqueues happened for the burst.
	time.Sleep(100 * time.Millisecond)
	kinds, paths := enq.snapshot()
	if len(paths) != 1 {
		t.Fatalf("expected 1 enqueue for coalesced writes, got %d", len(paths))
	}
	if kinds[0] != store.KindFileUpload {
		t.Errorf("expected kind %q, got %q", store.KindFileUpload, kinds[0])
	}
	if paths[0] != path {
		t.Errorf("expected path %s, got %s", path, paths[0])
	}
}
