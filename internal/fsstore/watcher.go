package fsstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op describes what happened to a watched path.
type Op string

// Watch event operations.
const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpRename Op = "rename"
	OpChmod  Op = "chmod"
)

// Event is a single raw filesystem notification.
type Event struct {
	Path string
	Op   Op
}

// Watcher observes directory trees recursively.
type Watcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	fsw    *fsnotify.Watcher
	events chan Event
	errors chan error
	roots  []string
	// files are single-file roots; only their own events are forwarded.
	files     map[string]struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts observing every directory root recursively. A root that names
// a regular file is watched through its parent directory and only its own
// events are reported. Roots that do not exist are skipped with a warning. The
// watcher stops when ctx is done or Close is called.
func (l *Local) Watch(ctx context.Context, roots ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		ctx:    wctx,
		cancel: cancel,
		logger: l.logger.With("component", "watcher"),
		fsw:    fsw,
		events: make(chan Event, 64),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
		files:  map[string]struct{}{},
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			cancel()
			_ = fsw.Close()
			return nil, fmt.Errorf("resolve watch root: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			w.logger.Warn("skipping watch root", slog.String("path", abs))
			continue
		}
		if !info.IsDir() {
			if err := fsw.Add(filepath.Dir(abs)); err != nil {
				cancel()
				_ = fsw.Close()
				return nil, fmt.Errorf("watch %s: %w", abs, err)
			}
			w.files[abs] = struct{}{}
			w.logger.Info("watching file", slog.String("path", abs))
			continue
		}
		w.roots = append(w.roots, abs)
		if err := w.addRecursive(abs); err != nil {
			cancel()
			_ = fsw.Close()
			return nil, err
		}
		w.logger.Info("watching", slog.String("path", abs))
	}

	go w.run()
	return w, nil
}

// Events delivers filesystem notifications.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors delivers watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", slog.Any("err", err))
			select {
			case w.errors <- err:
			default:
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	rel, inRoot := w.relative(event.Name)
	if inRoot && Ignored(rel) {
		return
	}
	if !inRoot {
		if _, ok := w.files[event.Name]; !ok {
			return
		}
	}

	if inRoot && event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", slog.String("path", event.Name), slog.Any("err", err))
			}
		}
	}

	evt := Event{Path: event.Name, Op: translateOp(event.Op)}
	w.logger.Debug("fsnotify event", slog.String("path", evt.Path), slog.String("op", string(evt.Op)))

	select {
	case w.events <- evt:
	case <-w.ctx.Done():
	}
}

// relative returns path relative to the recursive root containing it.
func (w *Watcher) relative(path string) (string, bool) {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return rel, true
	}
	return "", false
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", slog.String("path", path), slog.Any("err", err))
		}
		return nil
	})
}

func translateOp(op fsnotify.Op) Op {
	switch {
	case op&fsnotify.Remove != 0:
		return OpRemove
	case op&fsnotify.Rename != 0:
		return OpRename
	case op&fsnotify.Create != 0:
		return OpCreate
	case op&fsnotify.Write != 0:
		return OpWrite
	default:
		return OpChmod
	}
}
