// Package content discovers markdown posts and parses their front matter.
package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/euforicio/sitemd/internal/fsstore"
)

// Kind identifies the collection a content item belongs to.
type Kind string

// Known content kinds, listed in resolution priority order.
const (
	KindArticle Kind = "article"
	KindProject Kind = "project"
)

// Priority returns the resolution rank of k; lower wins when keys collide.
func (k Kind) Priority() int {
	switch k {
	case KindArticle:
		return 0
	case KindProject:
		return 1
	default:
		return 100
	}
}

func (k Kind) placeholderTitle() string {
	switch k {
	case KindArticle:
		return "Untitled Article"
	case KindProject:
		return "Untitled Project"
	default:
		return "Untitled Post"
	}
}

// ErrParse marks a single content file that could not be parsed.
var ErrParse = errors.New("parse content")

// Item is one markdown source file and its parsed metadata.
type Item struct {
	FrontMatter map[string]any
	Key         string
	Kind        Kind
	Title       string
	Date        string
	UpdatedAt   string
	SourcePath  string
	Tags        []string
}

// Root is a directory scanned for one kind of content.
type Root struct {
	Kind Kind
	Dir  string
}

// Source enumerates content items under a set of roots.
type Source struct {
	store  fsstore.FileStore
	logger *slog.Logger
	roots  []Root
}

// NewSource constructs a Source. Roots are scanned in kind priority order.
func NewSource(store fsstore.FileStore, roots []Root, logger *slog.Logger) (*Source, error) {
	if store == nil {
		return nil, errors.New("file store must be provided")
	}
	if len(roots) == 0 {
		return nil, errors.New("at least one content root must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sorted := append([]Root(nil), roots...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Kind.Priority() < sorted[j].Kind.Priority()
	})
	return &Source{
		store:  store,
		roots:  sorted,
		logger: logger.With("component", "content_source"),
	}, nil
}

// Roots returns the configured roots in priority order.
func (s *Source) Roots() []Root {
	return append([]Root(nil), s.roots...)
}

// Unparsed is a content file that exists but could not be parsed.
type Unparsed struct {
	Err  error
	Kind Kind
	Path string
	// Key is the slug when it can still be read, else the key derived from
	// the file name.
	Key string
}

// Listing is the result of scanning every root.
type Listing struct {
	Items    []Item
	Unparsed []Unparsed
}

// List returns every parsable item across all roots. Files that fail to parse
// are logged and left out. The returned error is non-nil only when a root
// exists but cannot be enumerated.
func (s *Source) List(ctx context.Context) ([]Item, error) {
	listing, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return listing.Items, nil
}

// Scan is List that also reports the files that failed to parse.
func (s *Source) Scan(ctx context.Context) (Listing, error) {
	var listing Listing
	for _, root := range s.roots {
		if err := ctx.Err(); err != nil {
			return Listing{}, err
		}
		if err := s.scanRoot(ctx, root, &listing); err != nil {
			return Listing{}, err
		}
	}
	return listing, nil
}

func (s *Source) scanRoot(ctx context.Context, root Root, listing *Listing) error {
	info, err := s.store.Stat(root.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("content root missing", slog.String("kind", string(root.Kind)), slog.String("dir", root.Dir))
			return nil
		}
		return fmt.Errorf("stat %s root: %w", root.Kind, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s root %s is not a directory", root.Kind, root.Dir)
	}

	paths, err := s.store.List(root.Dir, IsMarkdown)
	if err != nil {
		return fmt.Errorf("list %s root: %w", root.Kind, err)
	}
	sort.Strings(paths)

	parsed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.store.Read(path)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrParse, err)
		}
		var item Item
		if err == nil {
			item, err = ParseItem(root.Kind, path, raw)
		}
		if err != nil {
			s.logger.Warn("skipping content file", slog.String("path", path), slog.Any("err", err))
			listing.Unparsed = append(listing.Unparsed, Unparsed{
				Err:  err,
				Kind: root.Kind,
				Path: path,
				Key:  salvageKey(path, raw),
			})
			continue
		}
		listing.Items = append(listing.Items, item)
		parsed++
	}
	s.logger.Debug("content root listed",
		slog.String("kind", string(root.Kind)),
		slog.Int("files", len(paths)),
		slog.Int("items", parsed))
	return nil
}

// salvageKey recovers the key of a file whose front matter does not parse by
// looking for a plain "slug:" line.
func salvageKey(path string, raw []byte) string {
	for _, line := range strings.Split(string(raw), "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "slug:")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if value != "" && validKey(value) {
			return value
		}
		break
	}
	return KeyFromPath(path)
}

func validKey(key string) bool {
	return !strings.ContainsAny(key, `/\`) && key != "." && key != ".."
}

// ParseItem builds an Item from raw file contents.
func ParseItem(kind Kind, path string, raw []byte) (Item, error) {
	front, _, _, err := splitFrontMatter(raw)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	fields, err := parseFields(front)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}

	item := Item{
		Kind:        kind,
		SourcePath:  path,
		FrontMatter: fields,
		Title:       stringField(fields, "title"),
		Date:        normalizeDate(fields["date"]),
		UpdatedAt:   normalizeDate(fields["updatedAt"]),
		Tags:        tagsField(fields),
		Key:         stringField(fields, "slug"),
	}
	if item.Title == "" {
		item.Title = kind.placeholderTitle()
	}
	if item.Key == "" {
		item.Key = KeyFromPath(path)
	}
	if !validKey(item.Key) {
		return Item{}, fmt.Errorf("%w: %s: invalid slug %q", ErrParse, path, item.Key)
	}
	return item, nil
}

// KeyFromPath derives a content key from a file's base name.
func KeyFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsMarkdown reports whether path names a markdown file.
func IsMarkdown(path string) bool {
	name := strings.ToLower(path)
	return strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".markdown")
}

// Index maps keys back to items.
type Index struct {
	byKey    map[string]Item
	order    []string
	Shadowed []Item
}

// Resolve indexes items by key. When two items share a key the one with the
// higher kind priority wins; ties keep the first seen.
func Resolve(items []Item) *Index {
	idx := &Index{byKey: make(map[string]Item, len(items))}
	for _, item := range items {
		existing, ok := idx.byKey[item.Key]
		if !ok {
			idx.byKey[item.Key] = item
			idx.order = append(idx.order, item.Key)
			continue
		}
		if item.Kind.Priority() < existing.Kind.Priority() {
			idx.byKey[item.Key] = item
			idx.Shadowed = append(idx.Shadowed, existing)
			continue
		}
		idx.Shadowed = append(idx.Shadowed, item)
	}
	return idx
}

// Lookup returns the item published under key.
func (idx *Index) Lookup(key string) (Item, bool) {
	item, ok := idx.byKey[key]
	return item, ok
}

// Keys returns the published keys in discovery order.
func (idx *Index) Keys() []string {
	return append([]string(nil), idx.order...)
}

// Items returns the published items in discovery order.
func (idx *Index) Items() []Item {
	out := make([]Item, 0, len(idx.order))
	for _, key := range idx.order {
		out = append(out, idx.byKey[key])
	}
	return out
}

// Len returns the number of published keys.
func (idx *Index) Len() int {
	return len(idx.order)
}
