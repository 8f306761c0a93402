package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const watcherTestYAML = `
log:
  level: info
policy:
  revoke_roles_on_cancel: false
`

const watcherTestYAMLv2 = `
log:
  level: debug
policy:
  revoke_roles_on_cancel: true
`

func writeWatched(t *testing.T, content string) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "membership.yaml")
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	return fp
}

func startWatcher(t *testing.T, fp string, debounce time.Duration, onChange func(ChangeEvent)) *Watcher {
	t.Helper()
	w := NewWatcher(NewFileSource(fp), onChange,
		WithWatchDebounce(debounce),
		WithWatchLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_DetectsChange(t *testing.T) {
	fp := writeWatched(t, watcherTestYAML)

	var called atomic.Int32
	var mu sync.Mutex
	var lastEvt ChangeEvent
	startWatcher(t, fp, 50*time.Millisecond, func(evt ChangeEvent) {
		mu.Lock()
		lastEvt = evt
		mu.Unlock()
		called.Add(1)
	})

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(fp, []byte(watcherTestYAMLv2), 0644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	if !waitFor(func() bool { return called.Load() > 0 }, 2*time.Second) {
		t.Fatal("onChange was not called after file modification")
	}

	mu.Lock()
	evt := lastEvt
	mu.Unlock()
	if evt.Config == nil {
		t.Fatal("onChange event has nil Config")
	}
	if evt.Config.Log.Level != "debug" || !evt.Config.Policy.RevokeRolesOnCancel {
		t.Errorf("expected updated values, got log=%+v policy=%+v", evt.Config.Log, evt.Config.Policy)
	}
	if evt.OldHash == evt.NewHash {
		t.Error("expected old and new hashes to differ")
	}
	if evt.Source != "file:"+fp {
		t.Errorf("unexpected source %q", evt.Source)
	}
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	fp := writeWatched(t, watcherTestYAML)

	var called atomic.Int32
	startWatcher(t, fp, 200*time.Millisecond, func(ChangeEvent) { called.Add(1) })
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(fp, []byte(watcherTestYAMLv2), 0644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(700 * time.Millisecond)

	if count := called.Load(); count != 1 {
		t.Errorf("expected a single onChange call for identical rapid writes, got %d", count)
	}
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	fp := writeWatched(t, watcherTestYAML)

	var called atomic.Int32
	startWatcher(t, fp, 50*time.Millisecond, func(ChangeEvent) { called.Add(1) })
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(fp, []byte(watcherTestYAML), 0644); err != nil {
		t.Fatalf("rewrite same content: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if called.Load() != 0 {
		t.Errorf("expected onChange NOT to be called for unchanged content, got %d calls", called.Load())
	}
}

func TestWatcher_RejectsInvalidConfig(t *testing.T) {
	fp := writeWatched(t, watcherTestYAML)

	var called atomic.Int32
	startWatcher(t, fp, 50*time.Millisecond, func(ChangeEvent) { called.Add(1) })
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(fp, []byte("log:\n  level: chatty\n"), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if called.Load() != 0 {
		t.Fatalf("expected invalid config to be skipped, got %d calls", called.Load())
	}

	if err := os.WriteFile(fp, []byte(watcherTestYAMLv2), 0644); err != nil {
		t.Fatalf("write fixed config: %v", err)
	}
	if !waitFor(func() bool { return called.Load() == 1 }, 2*time.Second) {
		t.Errorf("expected the corrected config to be delivered, got %d calls", called.Load())
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	fp := writeWatched(t, watcherTestYAML)

	var called atomic.Int32
	startWatcher(t, fp, 50*time.Millisecond, func(ChangeEvent) { called.Add(1) })
	time.Sleep(100 * time.Millisecond)

	other := filepath.Join(filepath.Dir(fp), "other.yaml")
	if err := os.WriteFile(other, []byte(watcherTestYAMLv2), 0644); err != nil {
		t.Fatalf("write sibling file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if called.Load() != 0 {
		t.Errorf("expected sibling writes to be ignored, got %d calls", called.Load())
	}
}

func TestWatcher_StopCleanup(t *testing.T) {
	fp := writeWatched(t, watcherTestYAML)
	w := NewWatcher(NewFileSource(fp), func(ChangeEvent) {}, WithWatchDebounce(50*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() timed out")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() returned error: %v", err)
	}
}

func TestWatcher_StartMissingFile(t *testing.T) {
	w := NewWatcher(NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")), func(ChangeEvent) {})
	if err := w.Start(); err == nil {
		_ = w.Stop()
		t.Fatal("expected error for missing config file")
	}
}
