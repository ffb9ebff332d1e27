package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/app-cache/internal/logging"
)

func TestReleaseWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.json")
	if err := os.WriteFile(path, []byte(`{"version":"1"}`), 0o644); err != nil {
		t.Fatalf("write release: %v", err)
	}

	changed := make(chan struct{}, 4)
	w, err := New(path, 20*time.Millisecond, logging.NewDiscardLogger(), func(context.Context) {
		changed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(`{"version":"2"}`), 0o644); err != nil {
			t.Fatalf("rewrite release: %v", err)
		}
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected change notification")
	}
}

func TestReleaseWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.json")

	var calls atomic.Int32
	w, err := New(path, 20*time.Millisecond, logging.NewDiscardLogger(), func(context.Context) {
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "main.dart.js"), []byte("js"), 0o644); err != nil {
		t.Fatalf("write other file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("unrelated files must not trigger reload, got %d", n)
	}
}

func TestReleaseWatcherStopIsIdempotent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "nested", "release.json"), 0, nil, func(context.Context) {})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if w.debounce != DefaultDebounce {
		t.Fatalf("expected default debounce, got %s", w.debounce)
	}
	w.Stop()
	w.Stop()
}
