package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherReportsPromptChange(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(PromptPath(home), []byte("v1"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(PromptPath(home), []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite prompt: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		if ev.Path != PromptPath(home) {
			t.Errorf("event path = %q", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event")
	}
}

func TestWatcherClosesOnCancel(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Error("got event after cancel, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
