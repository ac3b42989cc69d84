package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"testrig/internal/runtime/supervisor"
	logx "testrig/pkg/logx"
)

func newWatcherHarness(t *testing.T) (*fileWatcher, chan string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(ctx, supervisor.WithLogger(logx.Nop()))
	changes := make(chan string, 8)
	w := newFileWatcher(sup, logx.Nop(), func(p string) { changes <- p })
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		if err := sup.Wait(wctx); err != nil {
			t.Errorf("supervisor Wait = %v", err)
		}
	})
	return w, changes
}

func writeFileOrFatal(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) = %v", path, err)
	}
}

func TestFileWatcherFiresOnContentChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.txt")
	writeFileOrFatal(t, path, "run alpha\n")

	w, changes := newWatcherHarness(t)
	w.Watch(path)
	// Let the run loop pick up the directory before rewriting.
	time.Sleep(100 * time.Millisecond)

	writeFileOrFatal(t, path, "run beta\n")
	select {
	case got := <-changes:
		if got != path {
			t.Fatalf("change path = %q, want %q", got, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change callback after rewrite")
	}
}

func TestFileWatcherSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.txt")
	writeFileOrFatal(t, path, "run alpha\n")

	w, changes := newWatcherHarness(t)
	w.Watch(path)
	time.Sleep(100 * time.Millisecond)

	// Same bytes again: the event fires but the content hash matches.
	writeFileOrFatal(t, path, "run alpha\n")
	select {
	case got := <-changes:
		t.Fatalf("unexpected callback %q for unchanged content", got)
	case <-time.After(600 * time.Millisecond):
	}

	writeFileOrFatal(t, path, "run beta\n")
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no callback after real change")
	}
}

func TestFileWatcherForgetStopsCallbacks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.txt")
	writeFileOrFatal(t, path, "run alpha\n")

	w, changes := newWatcherHarness(t)
	w.Watch(path)
	time.Sleep(100 * time.Millisecond)

	w.Forget(path)
	writeFileOrFatal(t, path, "run beta\n")
	select {
	case got := <-changes:
		t.Fatalf("unexpected callback %q after Forget", got)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestSchedulerReloadsChangedCommandFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.txt")
	writeFileOrFatal(t, path, "old-a\n")
	abs, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("Abs = %v", err)
	}

	parser := newFakeParser()
	parser.set(abs, []string{"old-a"})
	// No devices: commands stay queued where the reload is observable.
	s := startScheduler(t, Config{},
		Deps{Pool: newTestPool(t), Factory: &fakeFactory{}, Executor: &fakeExecutor{}, Parser: parser})

	if err := s.AddCommandFile(path, nil); err != nil {
		t.Fatalf("AddCommandFile = %v", err)
	}
	if got := s.QueueSize(); got != 1 {
		t.Fatalf("QueueSize = %d, want 1", got)
	}

	// Reload was off at add time; turning it on registers the watch.
	s.SetCommandFileReload(true)
	time.Sleep(100 * time.Millisecond)

	parser.set(abs, []string{"new-only"})
	writeFileOrFatal(t, path, "new-only\n")

	waitUntil(t, 5*time.Second, "queue to reflect the rewritten file", func() bool {
		cmds := s.Commands()
		return len(cmds) == 1 && cmds[0].CommandLine == "new-only"
	})
}
