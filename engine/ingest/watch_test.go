package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestDocumentEvent(t *testing.T) {
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/d/a.md", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/d/a.md", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/d/a.md", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/d/a.md", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/d/a.txt", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := documentEvent(tt.ev, "*.md"); got != tt.want {
			t.Errorf("%s %s: got %v want %v", tt.ev.Op, tt.ev.Name, got, tt.want)
		}
	}
}

func TestWatch_RescansOnChange(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, "*.md", WatchOptions{Debounce: 20 * time.Millisecond}, func(context.Context) error {
			runs <- struct{}{}
			return nil
		})
	}()

	waitRun := func(what string) {
		t.Helper()
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatalf("no run after %s", what)
		}
	}
	waitRun("start")

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("<table></table>"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitRun("writing a.md")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope"), "*.md", WatchOptions{}, func(context.Context) error {
		t.Fatal("run should not be called")
		return nil
	})
	if err == nil {
		t.Fatal("expected error for missing dir")
	}
}
