package assets

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Report summarizes a reconciliation sweep.
type Report struct {
	Missing    []string
	Pages      int
	Referenced int
	Copied     int
}

// Reconcile scans the generated index and post pages for asset URLs and
// copies any referenced file that is missing from the output tree. It is a
// best-effort pass: problems are logged and reported, never returned.
func (m *Manager) Reconcile(ctx context.Context) Report {
	var report Report

	pages := m.pages()
	refs := make(map[string]struct{})
	for _, page := range pages {
		if ctx.Err() != nil {
			return report
		}
		raw, err := m.files.Read(page)
		if err != nil {
			m.logger.Warn("reconcile: read page failed", slog.String("page", page), slog.Any("err", err))
			continue
		}
		report.Pages++
		for _, ref := range References(raw) {
			refs[ref] = struct{}{}
		}
	}
	report.Referenced = len(refs)

	sorted := make([]string, 0, len(refs))
	for ref := range refs {
		sorted = append(sorted, ref)
	}
	sort.Strings(sorted)

	for _, ref := range sorted {
		src, dst, ok := m.resolveURL(ref)
		if !ok {
			report.Missing = append(report.Missing, ref)
			continue
		}
		if m.files.Exists(dst) {
			continue
		}
		if filepath.Clean(src) == filepath.Clean(dst) || !m.files.Exists(src) {
			report.Missing = append(report.Missing, ref)
			continue
		}
		if err := m.files.Copy(src, dst); err != nil {
			m.logger.Warn("reconcile: copy failed", slog.String("url", ref), slog.Any("err", err))
			report.Missing = append(report.Missing, ref)
			continue
		}
		report.Copied++
	}

	if len(report.Missing) > 0 {
		m.logger.Warn("referenced assets not found", slog.Int("count", len(report.Missing)), slog.Any("urls", report.Missing))
	}
	m.logger.Debug("asset reconciliation finished",
		slog.Int("pages", report.Pages),
		slog.Int("referenced", report.Referenced),
		slog.Int("copied", report.Copied))
	return report
}

func (m *Manager) pages() []string {
	var pages []string
	index := filepath.Join(m.outDir, "index.html")
	if m.files.Exists(index) {
		pages = append(pages, index)
	}
	articles := filepath.Join(m.outDir, "articles")
	if m.files.Exists(articles) {
		found, err := m.files.List(articles, func(rel string) bool {
			return strings.HasSuffix(strings.ToLower(rel), ".html")
		})
		if err != nil {
			m.logger.Warn("reconcile: list pages failed", slog.Any("err", err))
		}
		pages = append(pages, found...)
	}
	return pages
}

// References extracts root-relative asset URLs from src and href attributes.
// Query strings and fragments are dropped.
func References(page []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("[src], [href]").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range []string{"src", "href"} {
			val, ok := sel.Attr(attr)
			if !ok {
				continue
			}
			ref, ok := assetPath(val)
			if !ok {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	})
	return out
}

func assetPath(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || !strings.Contains(raw, "/assets/") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
