package command

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"testrig/internal/runtime/supervisor"
	logx "testrig/pkg/logx"
)

const (
	watchDebounce           = 250 * time.Millisecond
	watchRestartBackoffBase = 250 * time.Millisecond
	watchRestartBackoffMax  = 5 * time.Second
)

// fileWatcher drives command-file reloads. It watches the parent directory
// of every registered file (editors replace files on save, so watching the
// inode directly misses renames), debounces rewrite bursts and skips events
// that left the content unchanged. When fsnotify gets into a bad state the
// watcher is recreated with a jittered backoff.
type fileWatcher struct {
	log      logx.Logger
	onChange func(path string)

	mu      sync.Mutex
	files   map[string]uint64 // abs path -> last content hash
	dirs    map[string]int    // dir -> watched file count
	timers  map[string]*time.Timer
	watcher *fsnotify.Watcher // live instance, nil between restarts
}

func newFileWatcher(sup *supervisor.Supervisor, log logx.Logger, onChange func(path string)) *fileWatcher {
	w := &fileWatcher{
		log:      log.With(logx.String("component", "filewatcher")),
		onChange: onChange,
		files:    map[string]uint64{},
		dirs:     map[string]int{},
		timers:   map[string]*time.Timer{},
	}
	sup.Go("filewatcher", w.run)
	return w
}

// Watch registers a file. The current content is hashed up front so the
// registration itself never triggers a reload.
func (w *fileWatcher) Watch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return
	}
	w.files[path] = hashFile(path)
	dir := filepath.Dir(path)
	w.dirs[dir]++
	if w.dirs[dir] == 1 && w.watcher != nil {
		if err := w.watcher.Add(dir); err != nil {
			w.log.Warn("watch add failed", logx.String("dir", dir), logx.Err(err))
		}
	}
}

// Forget stops watching a file.
func (w *fileWatcher) Forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.forgetLocked(path)
}

// Clear stops watching everything. The run loop stays alive so later Watch
// calls keep working.
func (w *fileWatcher) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.files {
		w.forgetLocked(path)
	}
}

func (w *fileWatcher) forgetLocked(path string) {
	if _, ok := w.files[path]; !ok {
		return
	}
	delete(w.files, path)
	if t := w.timers[path]; t != nil {
		t.Stop()
		delete(w.timers, path)
	}
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if w.watcher != nil {
			_ = w.watcher.Remove(dir)
		}
	}
}

// bump (re)arms the debounce timer for a watched file.
func (w *fileWatcher) bump(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return
	}
	if t := w.timers[path]; t != nil {
		t.Stop()
	}
	w.log.Debug("command file change detected; scheduling reload", logx.String("path", path))
	w.timers[path] = time.AfterFunc(watchDebounce, func() { w.fire(path) })
}

func (w *fileWatcher) fire(path string) {
	h := hashFile(path)
	w.mu.Lock()
	last, ok := w.files[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	if h != 0 && h == last {
		w.mu.Unlock()
		w.log.Debug("command file unchanged; skipping reload", logx.String("path", path))
		return
	}
	w.files[path] = h
	w.mu.Unlock()
	w.onChange(path)
}

// matchEvent resolves an fsnotify event to a watched file path, or "".
func (w *fileWatcher) matchEvent(name string) string {
	clean := filepath.Clean(name)
	dir := filepath.Dir(clean)
	base := filepath.Base(clean)
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.files {
		// Compare dir + basename; basenames case-insensitively for
		// filesystems that report either casing.
		if filepath.Dir(path) == dir && strings.EqualFold(filepath.Base(path), base) {
			return path
		}
	}
	return ""
}

func (w *fileWatcher) run(ctx context.Context) error {
	backoff := watchRestartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < watchRestartBackoffMax {
			backoff *= 2
			if backoff > watchRestartBackoffMax {
				backoff = watchRestartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("watcher init failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}

		w.mu.Lock()
		w.watcher = fw
		for dir := range w.dirs {
			if err := fw.Add(dir); err != nil {
				w.log.Warn("watch add failed", logx.String("dir", dir), logx.Err(err))
			}
		}
		w.mu.Unlock()

		// success; reset backoff so transient issues don't cause long
		// restart delays
		backoff = watchRestartBackoffBase
		w.log.Debug("command file watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				w.stopWatcher(fw)
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				if path := w.matchEvent(ev.Name); path != "" {
					w.bump(path)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means missed events; reload every watched
				// file once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.log.Warn("watch overflow; forcing reload", logx.Err(err))
					w.mu.Lock()
					paths := make([]string, 0, len(w.files))
					for path := range w.files {
						paths = append(paths, path)
					}
					w.mu.Unlock()
					for _, path := range paths {
						w.bump(path)
					}
					continue
				}
				w.log.Warn("watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		w.stopWatcher(fw)
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("command file watcher stopped; restarting")
		if !sleep() {
			return nil
		}
	}
}

func (w *fileWatcher) stopWatcher(fw *fsnotify.Watcher) {
	w.mu.Lock()
	if w.watcher == fw {
		w.watcher = nil
	}
	w.mu.Unlock()
	_ = fw.Close()
}

// hashFile fingerprints a file's content, 0 when unreadable.
func hashFile(path string) uint64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
