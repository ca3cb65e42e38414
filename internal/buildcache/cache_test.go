package buildcache_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/euforicio/sitemd/internal/buildcache"
	"github.com/euforicio/sitemd/internal/fsstore"
)

func newStore(t *testing.T) (*buildcache.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dist", ".cache", "site-cache.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := buildcache.NewStore(fsstore.NewLocal(logger), path, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, path
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	cache, ok := store.Load()
	if ok {
		t.Fatalf("expected cold load")
	}
	if cache == nil || cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %+v", cache)
	}
}

func TestLoadCorruptReturnsEmpty(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"pages": {"hello": "ab`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cache, ok := store.Load()
	if ok || cache.Len() != 0 {
		t.Fatalf("expected empty cache from corrupt file, got ok=%v len=%d", ok, cache.Len())
	}

	cache.Update("hello", "abc", time.Now())
	if err := store.Save(cache); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("expected valid JSON after save, got %q", raw)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)
	cache := buildcache.New()
	built := time.UnixMilli(1_700_000_000_000)
	cache.Update("hello", "abc123", built)
	cache.Update("world", "def456", built)
	cache.SetIndexFingerprint("idx")

	if err := store.Save(cache); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	pages, ok := doc["pages"].(map[string]any)
	if !ok || pages["hello"] != "abc123" {
		t.Fatalf("unexpected pages field: %v", doc["pages"])
	}
	if _, ok := doc["lastBuild"].(float64); !ok {
		t.Fatalf("expected numeric lastBuild, got %T", doc["lastBuild"])
	}

	loaded, ok := store.Load()
	if !ok {
		t.Fatalf("expected warm load")
	}
	if fp, _ := loaded.Lookup("world"); fp != "def456" {
		t.Fatalf("expected world fingerprint, got %q", fp)
	}
	if loaded.IndexFingerprint() != "idx" {
		t.Fatalf("index fingerprint lost")
	}
	if loaded.LastBuild().IsZero() {
		t.Fatalf("expected last build to be stamped")
	}
	entries := loaded.Entries()
	if len(entries) != 2 || entries[0].Key != "hello" || !entries[0].BuiltAt.Equal(built) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDecodeToleratesUnknownShapes(t *testing.T) {
	t.Parallel()
	cache, err := buildcache.Decode([]byte(`{"pages":{"ok":"1","num":42,"nil":null},"lastBuild":5,"extra":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected only the string entry, got %d", cache.Len())
	}
	if _, ok := cache.Lookup("num"); ok {
		t.Fatalf("non-string value should be treated as missing")
	}

	legacy, err := buildcache.Decode([]byte(`{"lastBuild": 1}`))
	if err != nil || legacy.Len() != 0 {
		t.Fatalf("expected empty cache for document without pages, err=%v", err)
	}
}

func TestDiffRules(t *testing.T) {
	t.Parallel()
	cache := buildcache.New()
	now := time.Now()
	cache.Update("same", "fp1", now)
	cache.Update("changed", "old", now)
	cache.Update("missing-artifact", "fp3", now)
	cache.Update("forced", "fp4", now)

	in := buildcache.DiffInput{
		Fingerprints: map[string]string{
			"same":             "fp1",
			"changed":          "new",
			"missing-artifact": "fp3",
			"forced":           "fp4",
			"brand-new":        "fp5",
		},
		ArtifactExists: func(key string) bool { return key != "missing-artifact" },
		Forced:         map[string]struct{}{"forced": {}},
	}

	d := cache.Diff(in)
	if strings.Join(d.Fresh, ",") != "same" {
		t.Fatalf("unexpected fresh keys: %v", d.Fresh)
	}
	if strings.Join(d.Stale, ",") != "brand-new,changed,forced,missing-artifact" {
		t.Fatalf("unexpected stale keys: %v", d.Stale)
	}

	in.Force = true
	d = cache.Diff(in)
	if len(d.Fresh) != 0 || len(d.Stale) != 5 {
		t.Fatalf("force should mark every key stale, got %+v", d)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	cache := buildcache.New()
	cache.Update("keep", "1", time.Now())
	cache.Update("gone", "2", time.Now())
	removed := cache.Prune(map[string]struct{}{"keep": {}})
	if len(removed) != 1 || removed[0] != "gone" {
		t.Fatalf("unexpected removed keys: %v", removed)
	}
	if _, ok := cache.Lookup("gone"); ok {
		t.Fatalf("pruned key still present")
	}
}
