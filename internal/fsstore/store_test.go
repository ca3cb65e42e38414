package fsstore_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/euforicio/sitemd/internal/fsstore"
)

func TestLocalWriteCreatesParentsAndReplaces(t *testing.T) {
	t.Parallel()
	store := fsstore.NewLocal(nil)
	target := filepath.Join(t.TempDir(), "a", "b", "index.html")

	if err := store.Write(target, []byte("first")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := store.Write(target, []byte("second")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := store.Read(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected replaced contents, got %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestLocalListSkipsHiddenAndVendorDirs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	files := []string{
		"one.md",
		"nested/two.md",
		"nested/notes.txt",
		".drafts/hidden.md",
		"node_modules/pkg/readme.md",
	}
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	store := fsstore.NewLocal(nil)
	got, err := store.List(root, func(rel string) bool { return strings.HasSuffix(rel, ".md") })
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var rels []string
	for _, p := range got {
		rel, _ := filepath.Rel(root, p)
		rels = append(rels, filepath.ToSlash(rel))
	}
	sort.Strings(rels)
	if len(rels) != 2 || rels[0] != "nested/two.md" || rels[1] != "one.md" {
		t.Fatalf("unexpected listing: %v", rels)
	}
}

func TestLocalRemoveMissingIsNotAnError(t *testing.T) {
	t.Parallel()
	store := fsstore.NewLocal(nil)
	if err := store.Remove(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestIgnored(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"posts/hello.md":             false,
		".git/HEAD":                  true,
		"posts/.hello.md.swp":        true,
		"node_modules/x/index.js":    true,
		"public/assets/img/logo.png": false,
	}
	for path, want := range cases {
		if got := fsstore.Ignored(path); got != want {
			t.Fatalf("Ignored(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWatcherReportsWrites(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := fsstore.NewLocal(nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w, err := store.Watch(ctx, root)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	target := filepath.Join(root, "post.md")
	if err := os.WriteFile(target, []byte("# hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-w.Events():
			if evt.Path == target {
				return
			}
		case <-timeout:
			t.Fatalf("did not receive event for %s", target)
		}
	}
}

func TestWatcherFileRootReportsOnlyThatFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	target := filepath.Join(root, "tailwind.config.js")
	if err := os.WriteFile(target, []byte("module.exports = {}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := fsstore.NewLocal(nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w, err := store.Watch(ctx, target)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	sibling := filepath.Join(root, "package.json")
	if err := os.WriteFile(sibling, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	if err := os.WriteFile(target, []byte("module.exports = {content: []}"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-w.Events():
			if evt.Path == sibling {
				t.Fatalf("unexpected event for unwatched sibling %s", sibling)
			}
			if evt.Path == target {
				return
			}
		case <-timeout:
			t.Fatalf("did not receive event for %s", target)
		}
	}
}
