package static_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/euforicio/sitemd/internal/fsstore"
	"github.com/euforicio/sitemd/static"
)

func TestLiveReloadScriptEmbedded(t *testing.T) {
	t.Parallel()
	if !static.Has(static.LiveReloadScript) {
		t.Fatalf("expected %s to be embedded", static.LiveReloadScript)
	}
	data, err := static.Read("/" + static.LiveReloadScript)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(string(data), "EventSource('/events')") {
		t.Fatalf("unexpected script contents")
	}
}

func TestCopyAll(t *testing.T) {
	t.Parallel()
	dest := t.TempDir()
	store := fsstore.NewLocal(nil)

	copied, err := static.CopyAll(store, dest)
	if err != nil {
		t.Fatalf("CopyAll: %v", err)
	}
	if copied < 2 {
		t.Fatalf("expected at least two assets, copied %d", copied)
	}
	if !store.Exists(filepath.Join(dest, "css", "site.css")) {
		t.Fatalf("site.css not copied")
	}

	again, err := static.CopyAll(store, dest)
	if err != nil || again != 0 {
		t.Fatalf("expected identical files kept, copied=%d err=%v", again, err)
	}
}
