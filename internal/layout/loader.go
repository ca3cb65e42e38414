package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/euforicio/sitemd/internal/fsstore"
)

const embeddedDigest = "embedded"

// Loader resolves the current Layout. Templates in the override directory
// replace embedded definitions of the same name; the layout is re-parsed
// whenever those files change.
type Loader struct {
	files   fsstore.FileStore
	logger  *slog.Logger
	current *Layout
	dir     string
	mu      sync.Mutex
}

// NewLoader constructs a Loader. An empty dir uses only the embedded templates.
func NewLoader(files fsstore.FileStore, dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		files:  files,
		dir:    dir,
		logger: logger.With("component", "layout"),
	}
}

// Dir returns the override template directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Resolve returns the layout to use for the next build cycle. changed is true
// when a previously resolved layout was replaced because its sources changed.
// If re-parsing fails the previous layout is kept and the error is logged; an
// error is returned only when no usable layout exists.
func (l *Loader) Resolve() (layout *Layout, changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	overrides, err := l.overrides()
	if err != nil {
		return l.fallback(err)
	}

	digest := digestOf(overrides)
	if l.current != nil && l.current.digest == digest {
		return l.current, false, nil
	}

	tmpl, err := parseEmbedded()
	if err != nil {
		return l.fallback(fmt.Errorf("parse embedded templates: %w", err))
	}
	names := sortedKeys(overrides)
	for _, name := range names {
		if _, err := tmpl.New(filepath.Base(name)).Parse(string(overrides[name])); err != nil {
			return l.fallback(fmt.Errorf("parse template %s: %w", name, err))
		}
	}

	next := &Layout{tmpl: tmpl, digest: digest}
	changed = l.current != nil
	l.current = next
	l.logger.Debug("layout resolved", slog.Int("overrides", len(names)), slog.Bool("changed", changed))
	return next, changed, nil
}

func (l *Loader) fallback(err error) (*Layout, bool, error) {
	if l.current == nil {
		return nil, false, err
	}
	l.logger.Warn("keeping previous layout", slog.Any("err", err))
	return l.current, false, nil
}

func (l *Loader) overrides() (map[string][]byte, error) {
	out := map[string][]byte{}
	if l.dir == "" {
		return out, nil
	}
	if _, err := l.files.Stat(l.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("stat template dir: %w", err)
	}
	paths, err := l.files.List(l.dir, IsTemplate)
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := l.files.Read(path)
		if err != nil {
			return nil, err
		}
		out[path] = data
	}
	return out, nil
}

// IsTemplate reports whether path names a layout template.
func IsTemplate(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gohtml")
}

func digestOf(files map[string][]byte) string {
	if len(files) == 0 {
		return embeddedDigest
	}
	d := xxhash.New()
	for _, name := range sortedKeys(files) {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("\x00")
		_, _ = d.Write(files[name])
		_, _ = d.WriteString("\x00")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
