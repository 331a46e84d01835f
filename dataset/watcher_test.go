package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheWatcherEvictsChangedFiles(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.tensor")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	captureLogs(t)
	cache := NewFileCache(32 << 20)
	cache.Set(path, []byte("v1"))

	evicted := make(chan string, 8)
	w := NewCacheWatcher(root, cache, func(p string) { evicted <- p })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-evicted:
		if p != path {
			t.Errorf("evicted %s, expected %s", p, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for eviction")
	}

	if _, ok := cache.Get(path); ok {
		t.Error("entry still cached after change")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestCacheWatcherMissingRoot(t *testing.T) {
	w := NewCacheWatcher(filepath.Join(t.TempDir(), "nope"), NewFileCache(0), nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestFileCacheStats(t *testing.T) {
	cache := NewFileCache(32 << 20)
	cache.Set("x", make([]byte, 100<<10))
	if _, ok := cache.Get("x"); !ok {
		t.Fatal("expected hit")
	}
	if _, ok := cache.Get("y"); ok {
		t.Fatal("expected miss")
	}
	st := cache.Stats()
	if st.GetCalls < 2 {
		t.Errorf("GetCalls = %d, expected >= 2", st.GetCalls)
	}
	cache.Reset()
	if _, ok := cache.Get("x"); ok {
		t.Error("entry survived Reset")
	}
}
