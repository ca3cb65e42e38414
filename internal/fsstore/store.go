// Package fsstore exposes the filesystem capabilities the build pipeline relies on.
package fsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// FileStore is the single filesystem capability used by the pipeline.
// Paths are absolute or relative to the process working directory.
type FileStore interface {
	Exists(path string) bool
	Stat(path string) (fs.FileInfo, error)
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	EnsureDir(path string) error
	Copy(src, dst string) error
	Remove(path string) error
	List(root string, match func(rel string) bool) ([]string, error)
	Watch(ctx context.Context, roots ...string) (*Watcher, error)
}

var skippedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
}

// Local is the on-disk FileStore.
type Local struct {
	logger *slog.Logger
}

var _ FileStore = (*Local)(nil)

// NewLocal returns a FileStore backed by the local filesystem.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger.With("component", "fsstore")}
}

// Exists reports whether path exists.
func (l *Local) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Stat returns file information for path.
func (l *Local) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// Read returns the contents of path.
func (l *Local) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // callers pass paths derived from configured roots
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write replaces path with data. Readers observe either the old or the new
// contents, never a partial file.
func (l *Local) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // standard directory permissions
		return fmt.Errorf("ensure directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EnsureDir creates path and any missing parents.
func (l *Local) EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil { //nolint:gosec // standard directory permissions
		return fmt.Errorf("ensure directory %s: %w", path, err)
	}
	return nil
}

// Copy copies a regular file from src to dst, creating parent directories.
func (l *Local) Copy(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("copy %s: not a regular file", src)
	}
	data, err := l.Read(src)
	if err != nil {
		return err
	}
	return l.Write(dst, data)
}

// Remove deletes path recursively. A missing path is not an error.
func (l *Local) Remove(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// List walks root and returns the absolute paths of regular files accepted by
// match, which receives the slash-separated path relative to root. Hidden
// directories and node_modules are skipped. A nil match accepts every file.
func (l *Local) List(root string, match func(rel string) bool) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	var out []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != absRoot && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		if match == nil || match(filepath.ToSlash(rel)) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	return out, nil
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := skippedDirs[strings.ToLower(name)]
	return ok
}

// Ignored reports whether a path relative to a watched or listed root names a
// hidden entry, node_modules or .git anywhere along the way.
func Ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if skipDir(part) {
			return true
		}
	}
	return false
}
