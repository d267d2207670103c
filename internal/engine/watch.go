package engine

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/quorumlabs/agentpipeline/internal/core"
)

// Watcher is an optional discovery-refresh watcher: it observes the
// directories holding every currently discovered target and, on a source
// file write, recomputes that one target's stale flag instead of requiring
// a full Discover pass. The engine works identically without one; callers
// that don't want filesystem-driven refresh simply never start it.
type Watcher struct {
	eng  *Engine
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// StartWatch creates an fsnotify watcher over every directory containing a
// discovered target (as of the last Discover call) and begins watching for
// writes in the background. Callers must call Stop to release it.
func (e *Engine) StartWatch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	dirs := targetDirs(e.state.Targets)
	e.mu.Unlock()

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			e.logger.Warn("watch: failed to add directory", "dir", dir, "error", err)
		}
	}

	w := &Watcher{eng: e, fsw: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Stop closes the underlying fsnotify watcher and waits for its event loop
// to exit.
func (w *Watcher) Stop() {
	_ = w.fsw.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.eng.refreshStale(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.eng.logger.Warn("watch error", "error", err)
		}
	}
}

func targetDirs(targets []core.Target) []string {
	seen := make(map[string]bool)
	dirs := make([]string, 0, len(targets))
	for _, t := range targets {
		dir := filepath.Dir(t.SourcePath)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}
