package content_test

import (
	"testing"

	"github.com/euforicio/sitemd/internal/content"
)

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()
	item := content.Item{Key: "hello", Title: "Hello", Date: "2024-01-01", SourcePath: "/posts/hello.md"}
	first := content.Fingerprint(item)
	for i := 0; i < 10; i++ {
		if got := content.Fingerprint(item); got != first {
			t.Fatalf("fingerprint changed between calls: %s vs %s", first, got)
		}
	}
	if first == "" {
		t.Fatalf("expected non-empty fingerprint")
	}

	// Fields outside the identity set do not matter.
	item.Tags = []string{"x"}
	item.FrontMatter = map[string]any{"extra": true}
	if got := content.Fingerprint(item); got != first {
		t.Fatalf("non-identity fields changed the fingerprint")
	}
}

func TestFingerprintChangesWithEachField(t *testing.T) {
	t.Parallel()
	base := content.Item{Key: "hello", Title: "Hello", Date: "2024-01-01", UpdatedAt: "", SourcePath: "/posts/hello.md"}
	baseFP := content.Fingerprint(base)

	mutations := map[string]func(*content.Item){
		"title":      func(i *content.Item) { i.Title = "Hello World" },
		"key":        func(i *content.Item) { i.Key = "hello-2" },
		"date":       func(i *content.Item) { i.Date = "2024-01-02" },
		"updatedAt":  func(i *content.Item) { i.UpdatedAt = "2024-03-01" },
		"sourcePath": func(i *content.Item) { i.SourcePath = "/posts/2024/hello.md" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			item := base
			mutate(&item)
			if content.Fingerprint(item) == baseFP {
				t.Fatalf("changing %s did not change the fingerprint", name)
			}
		})
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	t.Parallel()
	a := content.Item{Title: "ab", Key: "c"}
	b := content.Item{Title: "a", Key: "bc"}
	if content.Fingerprint(a) == content.Fingerprint(b) {
		t.Fatalf("shifting text across fields must change the fingerprint")
	}
}

func TestFingerprintNoCollisionsAcrossCorpus(t *testing.T) {
	t.Parallel()
	seen := map[string]string{}
	for i := 0; i < 5000; i++ {
		key := "post-" + itoa(i)
		fp := content.Fingerprint(content.Item{Key: key, Title: "Post " + itoa(i), SourcePath: "/posts/" + key + ".md"})
		if prev, ok := seen[fp]; ok {
			t.Fatalf("collision between %s and %s", prev, key)
		}
		seen[fp] = key
	}
}

func TestDigestOrderIndependent(t *testing.T) {
	t.Parallel()
	a := map[string]string{"one": "1", "two": "2"}
	b := map[string]string{"two": "2", "one": "1"}
	if content.Digest(a) != content.Digest(b) {
		t.Fatalf("digest depends on map order")
	}
	b["three"] = "3"
	if content.Digest(a) == content.Digest(b) {
		t.Fatalf("digest ignored an added entry")
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
