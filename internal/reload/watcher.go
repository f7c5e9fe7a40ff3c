// Package reload detects changes to configuration files.
package reload

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/beamio/config"
)

// DefaultInterval is the polling period used by Run when none is given.
const DefaultInterval = 2 * time.Second

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher remembers the state of the configuration files and reports edits.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher snapshots the file cfg was loaded from together with extra paths.
func NewWatcher(cfg *config.Config, extra ...string) (*Watcher, error) {
	w := &Watcher{}
	if err := w.Update(cfg, extra...); err != nil {
		return nil, err
	}
	return w, nil
}

// Update replaces the snapshot. Missing files and directories are skipped.
func (w *Watcher) Update(cfg *config.Config, extra ...string) error {
	if w == nil {
		return nil
	}
	var paths []string
	if cfg != nil && cfg.Source != "" {
		paths = append(paths, cfg.Source)
	}
	for _, path := range extra {
		if abs, err := filepath.Abs(path); err == nil && strings.TrimSpace(path) != "" {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Files lists the tracked paths.
func (w *Watcher) Files() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make([]string, 0, len(w.files))
	for path := range w.files {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

// Check reports the files that changed or disappeared since the last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.IsDir() {
			continue
		}
		if !info.ModTime().Equal(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Run polls until ctx ends and calls onChange with every non-empty change set.
// onChange is expected to call Update once the new configuration is applied;
// until then the same files are reported again.
func (w *Watcher) Run(ctx context.Context, interval time.Duration, onChange func([]string)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := w.Check()
		if err != nil || len(changed) == 0 {
			continue
		}
		onChange(changed)
	}
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
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
