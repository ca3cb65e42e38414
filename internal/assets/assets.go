// Package assets mirrors static asset directories into the output tree and
// repairs asset references that generated pages point at but that were never
// copied.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/euforicio/sitemd/internal/fanout"
	"github.com/euforicio/sitemd/internal/fsstore"
)

// Mapping ties a public URL prefix to the directory its files come from.
type Mapping struct {
	URLPrefix string
	SourceDir string
}

// DefaultMappings returns the standard asset categories for a project rooted
// at root publishing into outDir.
func DefaultMappings(root, outDir string) []Mapping {
	return MappingsFrom(filepath.Join(root, "src", "public", "assets"), outDir)
}

// MappingsFrom maps the images, fonts and js subdirectories of public into
// outDir. Stylesheets are produced directly in the output tree by the CSS step.
func MappingsFrom(public, outDir string) []Mapping {
	return []Mapping{
		{URLPrefix: "/assets/images", SourceDir: filepath.Join(public, "images")},
		{URLPrefix: "/assets/fonts", SourceDir: filepath.Join(public, "fonts")},
		{URLPrefix: "/assets/css", SourceDir: filepath.Join(outDir, "assets", "css")},
		{URLPrefix: "/assets/js", SourceDir: filepath.Join(public, "js")},
	}
}

// Manager copies assets according to a set of mappings.
type Manager struct {
	files       fsstore.FileStore
	logger      *slog.Logger
	outDir      string
	mappings    []Mapping
	concurrency int
}

// NewManager constructs a Manager. Longer URL prefixes take precedence.
func NewManager(files fsstore.FileStore, outDir string, mappings []Mapping, concurrency int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 16
	}
	sorted := make([]Mapping, 0, len(mappings))
	for _, m := range mappings {
		m.URLPrefix = "/" + strings.Trim(m.URLPrefix, "/")
		sorted = append(sorted, m)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].URLPrefix) > len(sorted[j].URLPrefix)
	})
	return &Manager{
		files:       files,
		logger:      logger.With("component", "assets"),
		outDir:      outDir,
		mappings:    sorted,
		concurrency: concurrency,
	}
}

// Mappings returns the configured mappings, longest prefix first.
func (m *Manager) Mappings() []Mapping {
	return append([]Mapping(nil), m.mappings...)
}

func (m *Manager) destDir(mp Mapping) string {
	return filepath.Join(m.outDir, filepath.FromSlash(strings.TrimPrefix(mp.URLPrefix, "/")))
}

func (m *Manager) inPlace(mp Mapping) bool {
	return filepath.Clean(mp.SourceDir) == filepath.Clean(m.destDir(mp))
}

// EnsureDirs creates the output directory of every mapping.
func (m *Manager) EnsureDirs() error {
	for _, mp := range m.mappings {
		if err := m.files.EnsureDir(m.destDir(mp)); err != nil {
			return err
		}
	}
	return nil
}

// CopyAll mirrors every mapped source directory into the output tree and
// returns the number of files written. Files whose destination is already
// current are skipped. Individual copy failures are logged and counted but
// do not stop the others.
func (m *Manager) CopyAll(ctx context.Context) (int, error) {
	type job struct{ src, dst string }
	var (
		jobs []job
		keys []string
	)
	for _, mp := range m.mappings {
		if m.inPlace(mp) {
			continue
		}
		if _, err := m.files.Stat(mp.SourceDir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				m.logger.Debug("asset source missing", slog.String("dir", mp.SourceDir))
				continue
			}
			return 0, fmt.Errorf("stat %s: %w", mp.SourceDir, err)
		}
		paths, err := m.files.List(mp.SourceDir, nil)
		if err != nil {
			return 0, err
		}
		for _, src := range paths {
			rel, err := filepath.Rel(mp.SourceDir, src)
			if err != nil {
				continue
			}
			jobs = append(jobs, job{src: src, dst: filepath.Join(m.destDir(mp), rel)})
			keys = append(keys, src)
		}
	}

	byKey := make(map[string]job, len(jobs))
	for _, j := range jobs {
		byKey[j.src] = j
	}
	outcomes := fanout.Run(ctx, keys, m.concurrency, func(_ context.Context, key string) (fanout.Status, error) {
		j := byKey[key]
		if m.current(j.src, j.dst) {
			return fanout.StatusSkipped, nil
		}
		if err := m.files.Copy(j.src, j.dst); err != nil {
			return fanout.StatusFailed, err
		}
		return fanout.StatusGenerated, nil
	})

	copied, _, failed := fanout.Counts(outcomes)
	for _, o := range outcomes {
		if o.Err != nil {
			m.logger.Warn("asset copy failed", slog.String("path", o.Key), slog.Any("err", o.Err))
		}
	}
	m.logger.Info("assets copied", slog.Int("copied", copied), slog.Int("failed", failed), slog.Int("total", len(keys)))
	return copied, nil
}

func (m *Manager) current(src, dst string) bool {
	dstInfo, err := m.files.Stat(dst)
	if err != nil {
		return false
	}
	srcInfo, err := m.files.Stat(src)
	if err != nil {
		return false
	}
	return srcInfo.Size() == dstInfo.Size() && !srcInfo.ModTime().After(dstInfo.ModTime())
}

// Owns reports whether path lies inside a copyable mapped source directory.
func (m *Manager) Owns(path string) bool {
	_, _, ok := m.lookupSource(path)
	return ok
}

func (m *Manager) lookupSource(path string) (Mapping, string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Mapping{}, "", false
	}
	for _, mp := range m.mappings {
		if m.inPlace(mp) {
			continue
		}
		dir, err := filepath.Abs(mp.SourceDir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(dir, abs)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return mp, rel, true
	}
	return Mapping{}, "", false
}

// CopyChanged copies a single changed source file into the output tree and
// returns its public URL for use as a reload hint. Removed sources are removed
// from the output as well.
func (m *Manager) CopyChanged(path string) (string, error) {
	mp, rel, ok := m.lookupSource(path)
	if !ok {
		return "", fmt.Errorf("%s is not inside an asset directory", path)
	}
	url := mp.URLPrefix + "/" + filepath.ToSlash(rel)
	dst := filepath.Join(m.destDir(mp), rel)

	if !m.files.Exists(path) {
		if err := m.files.Remove(dst); err != nil {
			return "", err
		}
		m.logger.Debug("asset removed", slog.String("url", url))
		return url, nil
	}
	info, err := m.files.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", nil
	}
	if err := m.files.Copy(path, dst); err != nil {
		return "", err
	}
	m.logger.Debug("asset copied", slog.String("url", url))
	return url, nil
}

// resolveURL maps a public asset URL to its source and output paths.
func (m *Manager) resolveURL(url string) (src, dst string, ok bool) {
	clean := path.Clean("/" + strings.TrimPrefix(url, "/"))
	for _, mp := range m.mappings {
		prefix := mp.URLPrefix + "/"
		if !strings.HasPrefix(clean, prefix) {
			continue
		}
		rel := filepath.FromSlash(strings.TrimPrefix(clean, prefix))
		return filepath.Join(mp.SourceDir, rel), filepath.Join(m.destDir(mp), rel), true
	}
	return "", "", false
}
