package fingerprint

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// BinDirWatcher caches the sorted list of scripts under a project bin/
// directory so repeated fingerprinting doesn't re-walk the filesystem on
// every task. The cache is invalidated by fsnotify events instead of a
// TTL.
type BinDirWatcher struct {
	dir string

	mu      sync.Mutex
	cached  []string
	valid   bool
	watcher *fsnotify.Watcher
	closed  bool
}

// NewBinDirWatcher starts watching dir (if it exists) for changes. A
// non-existent dir is tolerated: Scripts always returns an empty list and
// no watcher is started.
func NewBinDirWatcher(dir string) (*BinDirWatcher, error) {
	w := &BinDirWatcher{dir: dir}

	if _, err := os.Stat(dir); err != nil {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw

	go w.drain()
	return w, nil
}

func (w *BinDirWatcher) drain() {
	for {
		select {
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			w.valid = false
			w.mu.Unlock()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Scripts returns the sorted list of regular files directly under the bin
// directory, used as fingerprint keys for scripts invoked by name from a
// task's command body.
func (w *BinDirWatcher) Scripts() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.valid {
		return w.cached, nil
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			w.cached, w.valid = nil, true
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(names)

	w.cached, w.valid = names, true
	return names, nil
}

// Close stops the underlying fsnotify watcher, if any.
func (w *BinDirWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.watcher == nil {
		w.closed = true
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
