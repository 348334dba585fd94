// Package watcher turns directories into inboxes: image files dropped into a watched root are
// handed to a callback, with the first-level sub-directory name as the group.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// File is an inbox file ready for ingestion.
type File struct {
	Root  string
	Path  string
	Group string // first-level sub-directory under Root, "" for files directly in Root
}

// Handler receives inbox files once they stop changing.
type Handler func(f File)

// Watcher watches inbox roots and calls a Handler for new or rewritten image files.
type Watcher struct {
	roots      []string
	extensions []string
	recursive  bool
	onFile     Handler
	debounce   time.Duration
	fsw        *fsnotify.Watcher
	mu         sync.Mutex
	pending    map[string]*time.Timer
	rootPaths  map[string][]string // root -> directories added to fsnotify for it
	done       chan struct{}
	started    bool
	stopOnce   sync.Once
	logger     *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for inbox events.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must be quiet before it is handed over.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over roots. extensions filter file names (empty accepts all);
// recursive also watches nested directories, whose files keep the first-level group.
func NewWatcher(roots []string, extensions []string, recursive bool, onFile Handler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		roots:      cleanRoots(roots),
		extensions: extensions,
		recursive:  recursive,
		onFile:     onFile,
		debounce:   defaultDebounce,
		pending:    make(map[string]*time.Timer),
		rootPaths:  make(map[string][]string),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = utils.OrNop(w.logger)
	return w
}

func cleanRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			out = append(out, filepath.Clean(abs))
		}
	}
	return out
}

// Start creates missing roots and begins watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.started = true
	w.logger.Debug("inbox watcher starting",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	root, ok := w.rootFor(path)
	if !ok {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.handleNewDirectory(root, path)
			return
		}
		if matchExtension(path, w.extensions) {
			w.schedule(root, path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancel(path)
	}
}

// handleNewDirectory starts watching a directory that appeared under root and hands over
// the files it already contains.
func (w *Watcher) handleNewDirectory(root, dir string) {
	w.mu.Lock()
	fsw := w.fsw
	recursive := w.recursive
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	// Only first-level directories are watched when not recursive; they carry the group.
	if !recursive && filepath.Dir(dir) != root {
		return
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && !recursive {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Debug("inbox watcher failed to add directory", zap.String("path", p), zap.Error(err))
			return nil
		}
		w.mu.Lock()
		w.rootPaths[root] = append(w.rootPaths[root], p)
		w.mu.Unlock()
		return nil
	})
	w.syncDirectory(root, dir)
}

func (w *Watcher) rootFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.roots {
		if path != root && inDir(root, path) {
			return root, true
		}
	}
	return "", false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// GroupFor returns the first path element of path below root when path sits in a sub-directory.
func GroupFor(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || parts[0] == ".." {
		return ""
	}
	return parts[0]
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *Watcher) schedule(root, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.deliver(root, path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) deliver(root, path string) {
	if w.onFile == nil {
		return
	}
	f := File{Root: root, Path: path, Group: GroupFor(root, path)}
	w.logger.Debug("inbox file ready", zap.String("path", path), zap.String("group", f.Group))
	w.onFile(f)
}

// AddDirectory adds an inbox root and optionally hands over the files already in it.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	for _, r := range w.roots {
		if r == abs {
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		return err
	}
	w.roots = append(w.roots, abs)
	w.logger.Info("inbox directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		go w.syncDirectory(abs, abs)
	}
	return nil
}

// addRootLocked watches root and its first-level sub-directories (or the whole tree when recursive).
func (w *Watcher) addRootLocked(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if !w.recursive && p != root && filepath.Dir(p) != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return err
	}
	w.rootPaths[root] = paths
	return nil
}

// syncDirectory hands over every matching file below dir, attributed to root.
func (w *Watcher) syncDirectory(root, dir string) {
	w.mu.Lock()
	exts := append([]string(nil), w.extensions...)
	recursive := w.recursive
	w.mu.Unlock()
	w.logger.Debug("inbox syncing directory", zap.String("root", root), zap.String("dir", dir))
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && p != root && filepath.Dir(p) != root {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(p, exts) {
			w.deliver(root, p)
		}
		return nil
	})
}

// RemoveDirectory stops watching the given root. Records already ingested from it are kept.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return nil
	}
	idx := -1
	for i, r := range w.roots {
		if r == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, p := range w.rootPaths[abs] {
		_ = w.fsw.Remove(p)
	}
	delete(w.rootPaths, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	w.logger.Info("inbox directory removed", zap.String("path", abs))
	return nil
}

// Directories returns a copy of the current inbox roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles hands over every matching file already present in the roots.
// Call it after Start to ingest files dropped while the service was down.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncDirectory(root, root)
	}
}

// Stop stops the watcher and releases resources. Pending debounced files are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.fsw == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	_ = w.fsw.Close()
	w.fsw = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
