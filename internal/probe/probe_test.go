package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildrunner/brsync/internal/remote"
	"github.com/buildrunner/brsync/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHTTPProbe_RecordsSnapshots(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	st := testStore(t)
	client := remote.NewClient(srv.URL, "", time.Second)
	p := NewHTTPProbe(client, st, time.Minute, nil)

	if !p.Online(context.Background()) {
		t.Fatal("Online() = false against a healthy server")
	}

	snaps, err := st.GetLatestHealthSnapshots(context.Background())
	if err != nil {
		t.Fatalf("GetLatestHealthSnapshots() failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if !snaps[0].OK || snaps[0].Target != srv.URL {
		t.Errorf("snapshot = %+v, want ok for %s", snaps[0], srv.URL)
	}
}

func TestHTTPProbe_CachesVerdict(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	st := testStore(t)
	client := remote.NewClient(srv.URL, "", time.Second)
	p := NewHTTPProbe(client, st, time.Minute, nil)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		p.Online(context.Background())
	}
	if hits != 1 {
		t.Errorf("health endpoint hit %d times within TTL, want 1", hits)
	}

	// TTL expiry triggers a fresh check.
	now = now.Add(2 * time.Minute)
	p.Online(context.Background())
	if hits != 2 {
		t.Errorf("health endpoint hit %d times after TTL, want 2", hits)
	}
}

func TestHTTPProbe_OfflineVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := testStore(t)
	client := remote.NewClient(srv.URL, "", time.Second)
	p := NewHTTPProbe(client, st, time.Minute, nil)

	if p.Online(context.Background()) {
		t.Error("Online() = true against a 503 server")
	}
}

func TestStatic(t *testing.T) {
	if !Static(true).Online(context.Background()) {
		t.Error("Static(true).Online() = false")
	}
	if Static(false).Online(context.Background()) {
		t.Error("Static(false).Online() = true")
	}
}
