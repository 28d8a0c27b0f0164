package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`max_offline_interval = "10s"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := DefaultConfig()
	w := NewWatcher(path, base, map[string]bool{"retry-interval": true}, 0, nil)

	var got []Reloadable
	w.OnReload(func(r Reloadable) { got = append(got, r) })

	if err := w.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(got) != 1 || got[0].MaxOfflineInterval != 10*time.Second {
		t.Fatalf("callbacks = %+v", got)
	}

	// Unchanged file: no callback.
	if err := w.Reload(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("callbacks after no-op reload = %d", len(got))
	}

	// Flag-pinned settings stay fixed.
	if err := os.WriteFile(path, []byte(`retry_interval = "1s"`+"\n"+`max_delay_interval = "5s"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(); err != nil {
		t.Fatal(err)
	}
	cur := w.Current()
	if cur.RetryInterval != base.RetryInterval {
		t.Errorf("RetryInterval = %v, want pinned %v", cur.RetryInterval, base.RetryInterval)
	}
	if cur.MaxDelayInterval != 5*time.Second {
		t.Errorf("MaxDelayInterval = %v", cur.MaxDelayInterval)
	}
	if cur.MaxOfflineInterval != 10*time.Second {
		t.Errorf("MaxOfflineInterval = %v, want kept 10s", cur.MaxOfflineInterval)
	}
}

func TestWatcher_InvalidFileKeepsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`max_delay_interval = "later"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := DefaultConfig()
	w := NewWatcher(path, base, nil, 0, nil)
	if err := w.Reload(); err == nil {
		t.Fatal("Reload() of invalid duration succeeded")
	}
	if w.Current() != ReloadableOf(base) {
		t.Errorf("Current() = %+v, want base", w.Current())
	}
}

func TestWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, DefaultConfig(), nil, 10*time.Millisecond, nil)

	var mu sync.Mutex
	var got []Reloadable
	w.OnReload(func(r Reloadable) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`max_offline_interval = "7s"`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reload after file change")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if w.Current().MaxOfflineInterval != 7*time.Second {
		t.Errorf("MaxOfflineInterval = %v", w.Current().MaxOfflineInterval)
	}
}
