// File: internal/watch/watch.go
// Brief: Filesystem watcher that batches changes per interval.

// Package watch turns filesystem events under a stack's watch paths into
// batched redeploy calls.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// Handler receives the changed paths collected during one interval.
type Handler func(ctx context.Context, changed []string) error

// DefaultIgnore lists directories under the root whose changes never trigger a redeploy.
var DefaultIgnore = []string{".git", ".stackctl"}

type Watcher struct {
	Root     string
	Paths    []string
	Interval time.Duration
	Ignore   []string
	Handler  Handler
	Log      logr.Logger
}

const defaultInterval = 3 * time.Second

// Run watches until ctx is done. Changes seen during an interval are handed to
// Handler together at the next tick; handler errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Handler == nil {
		return errors.New("watch: handler is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fw.Close()

	root, err := filepath.Abs(w.root())
	if err != nil {
		return err
	}
	paths := w.Paths
	if len(paths) == 0 {
		paths = []string{"./"}
	}
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		if err := w.addRecursive(fw, root, p); err != nil {
			return err
		}
		w.info("watching", "path", p)
	}

	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.ignored(root, ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, root, ev.Name); err != nil {
						w.error(err, "watch new directory", "path", ev.Name)
					}
				}
			}
			pending[ev.Name] = struct{}{}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.error(err, "watch error")
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for p := range pending {
				batch = append(batch, p)
			}
			sort.Strings(batch)
			pending = map[string]struct{}{}
			w.info("changes found during watcher interval, redeploying", "files", len(batch))
			if err := w.Handler(ctx, batch); err != nil {
				w.error(err, "redeploy failed")
			}
		}
	}
}

func (w *Watcher) root() string {
	if w.Root == "" {
		return "."
	}
	return w.Root
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(root, path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return errors.Wrapf(err, "watch %s", path)
		}
		return nil
	})
}

func (w *Watcher) ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	ignore := w.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	for _, prefix := range ignore {
		prefix = strings.Trim(filepath.ToSlash(prefix), "/")
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

func (w *Watcher) info(msg string, kv ...any) {
	if w.Log.GetSink() != nil {
		w.Log.Info(msg, kv...)
	}
}

func (w *Watcher) error(err error, msg string, kv ...any) {
	if w.Log.GetSink() != nil {
		w.Log.Error(err, msg, kv...)
	}
}
