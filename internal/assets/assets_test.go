package assets_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/euforicio/sitemd/internal/assets"
	"github.com/euforicio/sitemd/internal/fsstore"
)

type fixture struct {
	root    string
	out     string
	store   *fsstore.Local
	manager *assets.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	out := filepath.Join(root, "dist")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := fsstore.NewLocal(logger)
	return fixture{
		root:    root,
		out:     out,
		store:   store,
		manager: assets.NewManager(store, out, assets.DefaultMappings(root, out), 4, logger),
	}
}

func (f fixture) write(t *testing.T, rel, body string) string {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := f.store.Write(path, []byte(body)); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func TestEnsureDirs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.manager.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{"images", "fonts", "css", "js"} {
		info, err := os.Stat(filepath.Join(f.out, "assets", dir))
		if err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory, err=%v", dir, err)
		}
	}
}

func TestCopyAllSkipsCurrentFiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, "src/public/assets/images/logo.svg", "<svg/>")
	f.write(t, "src/public/assets/images/nested/photo.png", "png")
	f.write(t, "src/public/assets/js/app.js", "console.log(1)")

	copied, err := f.manager.CopyAll(context.Background())
	if err != nil {
		t.Fatalf("CopyAll: %v", err)
	}
	if copied != 3 {
		t.Fatalf("expected 3 copies, got %d", copied)
	}
	if !f.store.Exists(filepath.Join(f.out, "assets", "images", "nested", "photo.png")) {
		t.Fatalf("nested image not copied")
	}

	again, err := f.manager.CopyAll(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("expected no copies on second run, got %d err=%v", again, err)
	}
}

func TestCopyChanged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	src := f.write(t, "src/public/assets/fonts/body.woff2", "font")

	if !f.manager.Owns(src) {
		t.Fatalf("expected font to be owned by a mapping")
	}
	if f.manager.Owns(filepath.Join(f.root, "src", "posts", "a.md")) {
		t.Fatalf("posts must not be treated as assets")
	}

	hint, err := f.manager.CopyChanged(src)
	if err != nil {
		t.Fatalf("CopyChanged: %v", err)
	}
	if hint != "/assets/fonts/body.woff2" {
		t.Fatalf("unexpected hint %q", hint)
	}
	dst := filepath.Join(f.out, "assets", "fonts", "body.woff2")
	if !f.store.Exists(dst) {
		t.Fatalf("font not copied")
	}

	if err := os.Remove(src); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.manager.CopyChanged(src); err != nil {
		t.Fatalf("CopyChanged after removal: %v", err)
	}
	if f.store.Exists(dst) {
		t.Fatalf("expected output removed with its source")
	}
}

func TestReferences(t *testing.T) {
	t.Parallel()
	page := []byte(`<html><head>
<link rel="stylesheet" href="/assets/css/styles.css?v=2">
<script src="/assets/js/app.js"></script>
</head><body>
<img src="/assets/images/a.png#frag">
<img src="https://cdn.example.com/assets/images/b.png">
<a href="/articles/hello/">post</a>
<img src="/assets/images/a.png">
</body></html>`)
	got := strings.Join(assets.References(page), ",")
	want := "/assets/css/styles.css,/assets/js/app.js,/assets/images/a.png"
	if got != want {
		t.Fatalf("unexpected references %q, want %q", got, want)
	}
}

func TestReconcileCopiesMissingAssets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.write(t, "src/public/assets/images/used.png", "png")
	f.write(t, "src/public/assets/images/unused.png", "png")
	f.write(t, "dist/index.html", `<img src="/assets/images/used.png"><link href="/assets/css/styles.css">`)
	f.write(t, "dist/articles/hello/index.html", `<img src="/assets/images/gone.png">`)

	report := f.manager.Reconcile(context.Background())
	if report.Pages != 2 || report.Copied != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !f.store.Exists(filepath.Join(f.out, "assets", "images", "used.png")) {
		t.Fatalf("referenced image not copied")
	}
	if f.store.Exists(filepath.Join(f.out, "assets", "images", "unused.png")) {
		t.Fatalf("unreferenced image copied")
	}
	if strings.Join(report.Missing, ",") != "/assets/css/styles.css,/assets/images/gone.png" {
		t.Fatalf("unexpected missing list %v", report.Missing)
	}
}
