// Package buildcache persists the fingerprint of every generated page so that
// later builds can skip pages whose inputs have not changed.
package buildcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/euforicio/sitemd/internal/fsstore"
)

// Cache is the in-memory view of the persisted build cache. It is safe for
// concurrent use by generation workers.
type Cache struct {
	mu        sync.RWMutex
	pages     map[string]string
	builtAt   map[string]int64
	index     string
	lastBuild int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		pages:   make(map[string]string),
		builtAt: make(map[string]int64),
	}
}

// Entry is a single cached page.
type Entry struct {
	Key         string
	Fingerprint string
	BuiltAt     time.Time
}

// Lookup returns the stored fingerprint for key.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fp, ok := c.pages[key]
	return fp, ok
}

// Update records fingerprint for key. Callers invoke it only after the page
// artifact has been written.
func (c *Cache) Update(key, fingerprint string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[key] = fingerprint
	c.builtAt[key] = at.UnixMilli()
}

// Remove drops key from the cache.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, key)
	delete(c.builtAt, key)
}

// Prune removes every key not in keep and returns the removed keys sorted.
func (c *Cache) Prune(keep map[string]struct{}) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []string
	for key := range c.pages {
		if _, ok := keep[key]; ok {
			continue
		}
		delete(c.pages, key)
		delete(c.builtAt, key)
		removed = append(removed, key)
	}
	sort.Strings(removed)
	return removed
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

// Entries returns a snapshot of every cached page sorted by key.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.pages))
	for key, fp := range c.pages {
		entry := Entry{Key: key, Fingerprint: fp}
		if ms, ok := c.builtAt[key]; ok {
			entry.BuiltAt = time.UnixMilli(ms)
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// IndexFingerprint returns the digest recorded for the aggregate index page.
func (c *Cache) IndexFingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// SetIndexFingerprint records the digest of the aggregate index page.
func (c *Cache) SetIndexFingerprint(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = fp
}

// LastBuild returns when the cache was last persisted, or the zero time.
func (c *Cache) LastBuild() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastBuild == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.lastBuild)
}

// DiffInput describes the current corpus for a staleness check.
type DiffInput struct {
	// Fingerprints maps every current key to its freshly computed fingerprint.
	Fingerprints map[string]string
	// ArtifactExists reports whether the output for key is present on disk.
	ArtifactExists func(key string) bool
	// Force marks every key stale.
	Force bool
	// Forced marks individual keys stale regardless of their fingerprint.
	Forced map[string]struct{}
}

// Diff is the result of comparing the corpus with the cache.
type Diff struct {
	Stale []string
	Fresh []string
}

// Diff splits the corpus into stale and fresh keys. Both slices are sorted.
func (c *Cache) Diff(in DiffInput) Diff {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var d Diff
	for key, fp := range in.Fingerprints {
		if c.isStale(in, key, fp) {
			d.Stale = append(d.Stale, key)
			continue
		}
		d.Fresh = append(d.Fresh, key)
	}
	sort.Strings(d.Stale)
	sort.Strings(d.Fresh)
	return d
}

func (c *Cache) isStale(in DiffInput, key, fp string) bool {
	if in.Force {
		return true
	}
	if _, ok := in.Forced[key]; ok {
		return true
	}
	cached, ok := c.pages[key]
	if !ok || cached != fp {
		return true
	}
	if in.ArtifactExists != nil && !in.ArtifactExists(key) {
		return true
	}
	return false
}

// document is the persisted JSON shape. Unknown fields are ignored.
type document struct {
	Pages     map[string]json.RawMessage `json:"pages"`
	LastBuild int64                      `json:"lastBuild"`
	BuiltAt   map[string]int64           `json:"builtAt,omitempty"`
	Index     string                     `json:"index,omitempty"`
}

// Store loads and saves a Cache at a fixed path.
type Store struct {
	files  fsstore.FileStore
	logger *slog.Logger
	path   string
	now    func() time.Time
}

// NewStore constructs a Store for the cache file at path.
func NewStore(files fsstore.FileStore, path string, logger *slog.Logger) (*Store, error) {
	if files == nil {
		return nil, errors.New("file store must be provided")
	}
	if path == "" {
		return nil, errors.New("cache path must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		files:  files,
		path:   path,
		logger: logger.With("component", "buildcache"),
		now:    time.Now,
	}, nil
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the cache file. A missing or malformed file yields an empty
// cache; the second return value reports whether a usable document was read.
func (s *Store) Load() (*Cache, bool) {
	raw, err := s.files.Read(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("no build cache found", slog.String("path", s.path))
		} else {
			s.logger.Warn("build cache unreadable, starting cold", slog.String("path", s.path), slog.Any("err", err))
		}
		return New(), false
	}

	cache, err := Decode(raw)
	if err != nil {
		s.logger.Warn("build cache corrupt, starting cold", slog.String("path", s.path), slog.Any("err", err))
		return New(), false
	}
	s.logger.Debug("build cache loaded", slog.String("path", s.path), slog.Int("pages", cache.Len()))
	return cache, true
}

// Save stamps the cache with the current time and writes it atomically.
func (s *Store) Save(c *Cache) error {
	c.mu.Lock()
	c.lastBuild = s.now().UnixMilli()
	c.mu.Unlock()

	data, err := Encode(c)
	if err != nil {
		return err
	}
	if err := s.files.Write(s.path, data); err != nil {
		return fmt.Errorf("save build cache: %w", err)
	}
	return nil
}

// Decode parses a persisted cache document. Page values that are not strings
// are treated as missing entries.
func Decode(raw []byte) (*Cache, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode build cache: %w", err)
	}
	c := New()
	c.lastBuild = doc.LastBuild
	c.index = doc.Index
	for key, value := range doc.Pages {
		var fp string
		if err := json.Unmarshal(value, &fp); err != nil || fp == "" {
			continue
		}
		c.pages[key] = fp
		if ms, ok := doc.BuiltAt[key]; ok {
			c.builtAt[key] = ms
		}
	}
	return c, nil
}

// Encode renders c in its persisted form.
func Encode(c *Cache) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc := struct {
		Pages     map[string]string `json:"pages"`
		LastBuild int64             `json:"lastBuild"`
		BuiltAt   map[string]int64  `json:"builtAt,omitempty"`
		Index     string            `json:"index,omitempty"`
	}{
		Pages:     make(map[string]string, len(c.pages)),
		LastBuild: c.lastBuild,
		BuiltAt:   make(map[string]int64, len(c.builtAt)),
		Index:     c.index,
	}
	for key, fp := range c.pages {
		doc.Pages[key] = fp
	}
	for key, ms := range c.builtAt {
		if _, ok := c.pages[key]; ok {
			doc.BuiltAt[key] = ms
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode build cache: %w", err)
	}
	return append(data, '\n'), nil
}
