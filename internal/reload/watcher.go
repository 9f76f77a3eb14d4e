package reload

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
}

// Watcher keeps track of configuration files and detects modifications.
// Files that do not exist yet are tracked too, so creating one is reported.
type Watcher struct {
	mu    sync.Mutex
	paths []string
	files map[string]fileState
}

// NewWatcher builds a watcher tracking the given files.
func NewWatcher(paths ...string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Track(paths...); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Track replaces the tracked file list and snapshots it.
func (w *Watcher) Track(paths ...string) error {
	if w == nil {
		return nil
	}
	abs := make([]string, 0, len(paths))
	for _, path := range uniquePaths(paths) {
		if resolved, err := filepath.Abs(path); err == nil {
			path = resolved
		}
		abs = append(abs, path)
	}
	w.mu.Lock()
	w.paths = uniquePaths(abs)
	w.mu.Unlock()
	return w.Update()
}

// Update snapshots the tracked files. Call it after a change was handled.
func (w *Watcher) Update() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	states := make(map[string]fileState, len(w.paths))
	for _, path := range w.paths {
		states[path] = stat(path)
	}
	w.files = states
	return nil
}

// Check reports the files that changed since the last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		current := stat(path)
		switch {
		case current.exists != state.exists:
			changed = append(changed, path)
		case !current.exists:
		case current.modTime.After(state.modTime) || current.size != state.size:
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func stat(path string) fileState {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fileState{}
	}
	return fileState{exists: true, modTime: info.ModTime(), size: info.Size()}
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
