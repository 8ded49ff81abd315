package tlsident

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// debounce window for filesystem events. Certificate rotations typically
// rewrite the cert and key files back to back; one reload covers both.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads a Store when its backing files change on disk. It watches
// the parent directories rather than the files themselves so atomic
// rename-into-place rotations (the common deployment pattern) are seen.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	logger  pslog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the store's file-backed entries. It returns nil
// without error when the store has no file-backed entries to watch. The
// watcher runs until Close; it is not tied to any request or start context.
func NewWatcher(store *Store, logger pslog.Logger) (*Watcher, error) {
	paths := store.WatchPaths()
	if len(paths) == 0 {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:   store,
		watcher: fw,
		files:   make(map[string]struct{}, len(paths)),
		logger:  logger,
		done:    make(chan struct{}),
	}
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.watcher.Close()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.store.Reload(); err != nil {
				w.logger.Warn("certificate.reload.failed", "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("certificate.watch.error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		abs = event.Name
	}
	_, ok := w.files[abs]
	return ok
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
