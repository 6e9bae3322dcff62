package build

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs a first build if none has happened yet, then rebuilds whenever
// a compiler input changes or the set of function files changes. It blocks
// until ctx is done or the pipeline is disposed.
func (p *Pipeline) Watch(ctx context.Context) error {
	if p.State() == nil {
		if _, err := p.Build(ctx); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating build watcher: %w", err)
	}
	defer watcher.Close()

	w := &buildWatcher{
		p:       p,
		watcher: watcher,
		dirs:    make(map[string]bool),
		pending: make(map[string]bool),
	}
	w.refresh()

	timer := time.NewTimer(p.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				w.pending[filepath.Clean(event.Name)] = true
				timer.Reset(p.opts.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("build watcher error", "error", err)
		case <-timer.C:
			if !w.shouldRebuild() {
				continue
			}
			if _, err := p.Build(ctx); err != nil {
				if ctx.Err() != nil || err == ErrDisposed {
					return nil
				}
				p.logger.Error("rebuild failed", "error", err)
			}
			w.refresh()
		}
	}
}

type buildWatcher struct {
	p       *Pipeline
	watcher *fsnotify.Watcher
	dirs    map[string]bool
	inputs  map[string]bool
	pending map[string]bool
}

func (w *buildWatcher) resourcesDir() string {
	if filepath.IsAbs(w.p.opts.ResourcesDir) {
		return w.p.opts.ResourcesDir
	}
	return filepath.Join(w.p.opts.Root, w.p.opts.ResourcesDir)
}

// refresh watches the resources tree and the directories of every compiler
// input from the last successful build.
func (w *buildWatcher) refresh() {
	res := w.resourcesDir()
	// The root is watched so that creating the resources directory is seen.
	w.add(w.p.opts.Root)
	_ = filepath.WalkDir(res, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != res && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			w.add(path)
		}
		return nil
	})

	if state := w.p.State(); state.OK() {
		w.inputs = make(map[string]bool)
		for _, f := range state.Manifest.InputFiles(w.p.opts.Root) {
			w.inputs[f] = true
			w.add(filepath.Dir(f))
		}
	}
}

func (w *buildWatcher) add(dir string) {
	if w.dirs[dir] {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		if !os.IsNotExist(err) {
			w.p.logger.Debug("cannot watch directory", "dir", dir, "error", err)
		}
		return
	}
	w.dirs[dir] = true
}

func (w *buildWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	if w.inputs[name] {
		return true
	}
	res := w.resourcesDir()
	if name == res {
		return true
	}
	rel, err := filepath.Rel(res, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.add(name)
			return true
		}
	}
	return matchesAny(filepath.Base(name), w.p.opts.Patterns) || event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
}

// shouldRebuild drains the pending set. A rebuild is needed when a known input
// changed, or when the function file set no longer matches the last build.
func (w *buildWatcher) shouldRebuild() bool {
	pending := w.pending
	w.pending = make(map[string]bool)

	for name := range pending {
		if w.inputs[name] {
			return true
		}
	}
	state := w.p.State()
	if !state.OK() {
		// A failed build may not have recorded its inputs.
		return len(pending) > 0
	}

	fns, err := Discover(w.p.opts.Root, w.p.opts.ResourcesDir, w.p.opts.Patterns)
	if err != nil {
		return true
	}
	return Fingerprint(fns) != Fingerprint(state.Functions)
}
