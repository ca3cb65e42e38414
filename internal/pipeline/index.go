package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/euforicio/sitemd/internal/buildcache"
	"github.com/euforicio/sitemd/internal/content"
	"github.com/euforicio/sitemd/internal/layout"
	"github.com/euforicio/sitemd/internal/search"
)

// writeIndex regenerates index.html and the search index when any page
// changed, the published set or layout differs from the cached digest, or
// either file is missing.
func (b *Builder) writeIndex(ctx context.Context, run *cycleRun, cache *buildcache.Cache, lay *layout.Layout, site layout.Site, idx *content.Index, fingerprints map[string]string) {
	if ctx.Err() != nil {
		return
	}
	items, published := b.published(run, idx, fingerprints)
	digest := content.Digest(published) + "-" + lay.Digest()
	path := filepath.Join(b.cfg.OutputDir, "index.html")
	searchPath := filepath.Join(b.cfg.OutputDir, search.FileName)
	needed := run.forceAll ||
		run.summary.Generated > 0 ||
		run.summary.Pruned > 0 ||
		cache.IndexFingerprint() != digest ||
		!b.files.Exists(path) ||
		!b.files.Exists(searchPath)
	if !needed {
		return
	}

	stageStart := time.Now()
	page, err := lay.RenderIndex(site, Sections(items))
	if err == nil {
		err = b.files.Write(path, page)
	}
	if err == nil {
		err = b.writeSearchIndex(searchPath, items)
	}
	b.recorder.ObserveStageDuration("index", time.Since(stageStart))
	if err != nil {
		run.logger.Error("index generation failed", slog.Any("err", err))
		return
	}
	run.summary.IndexWritten = true
	if cache.IndexFingerprint() != digest {
		cache.SetIndexFingerprint(digest)
		run.dirty = true
	}
}

// published returns the items that have a page on disk along with their
// fingerprints. Pages that never generated are left out of the index.
func (b *Builder) published(run *cycleRun, idx *content.Index, fingerprints map[string]string) ([]content.Item, map[string]string) {
	items := make([]content.Item, 0, idx.Len())
	prints := make(map[string]string, idx.Len())
	for _, item := range idx.Items() {
		if !b.files.Exists(b.pagePath(item.Key)) {
			run.logger.Debug("page missing, left out of index", slog.String("key", item.Key))
			continue
		}
		items = append(items, item)
		prints[item.Key] = fingerprints[item.Key]
	}
	return items, prints
}

func (b *Builder) writeSearchIndex(path string, items []content.Item) error {
	raw, err := search.Encode(search.Build(items, layout.PostURL))
	if err != nil {
		return err
	}
	_, err = b.writeIfChanged(path, raw)
	return err
}

// Sections groups items into the index sections, newest first.
func Sections(items []content.Item) []layout.Section {
	sections := []layout.Section{
		{ID: "writings", Heading: "Writings", Label: "articles"},
		{ID: "projects", Heading: "Projects", Label: "projects"},
	}
	byKind := map[content.Kind]int{content.KindArticle: 0, content.KindProject: 1}

	sorted := append([]content.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date > sorted[j].Date
		}
		return sorted[i].Title < sorted[j].Title
	})
	for _, item := range sorted {
		i, ok := byKind[item.Kind]
		if !ok {
			continue
		}
		sections[i].Entries = append(sections[i].Entries, layout.Entry{
			Key:   item.Key,
			Title: item.Title,
			URL:   layout.PostURL(item.Key),
			Date:  item.Date,
		})
	}
	return sections
}
