package pipeline

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/euforicio/sitemd/internal/content"
	"github.com/euforicio/sitemd/internal/layout"
)

// changeSet sorts changed paths by the work they require.
type changeSet struct {
	compile   []string
	assets    []string
	css       []string
	content   map[string]struct{}
	templates []string
	other     []string
}

func (c changeSet) empty() bool {
	return len(c.compile)+len(c.assets)+len(c.css)+len(c.content)+len(c.templates)+len(c.other) == 0
}

func (b *Builder) classify(paths map[string]struct{}) changeSet {
	set := changeSet{content: map[string]struct{}{}}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	outDir := absPath(b.cfg.OutputDir)
	for _, raw := range sorted {
		path := absPath(raw)
		switch {
		case within(path, outDir):
			// Output written by the build itself.
		case b.isCompileSource(path):
			set.compile = append(set.compile, path)
		case b.assets.Owns(path):
			set.assets = append(set.assets, path)
		case b.isCSSInput(path):
			set.css = append(set.css, path)
		case b.isContent(path):
			set.content[path] = struct{}{}
		case b.cfg.TemplateDir != "" && within(path, absPath(b.cfg.TemplateDir)) && layout.IsTemplate(path):
			set.templates = append(set.templates, path)
		default:
			set.other = append(set.other, path)
		}
	}
	return set
}

// IsCSSOnly reports whether every path only affects the CSS step.
func (b *Builder) IsCSSOnly(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !b.isCSSInput(absPath(p)) {
			return false
		}
	}
	return true
}

// IsOutput reports whether path lies inside the output directory.
func (b *Builder) IsOutput(path string) bool {
	return within(absPath(path), absPath(b.cfg.OutputDir))
}

func (b *Builder) isCompileSource(path string) bool {
	for _, dir := range b.cfg.CompileSources {
		if !within(path, absPath(dir)) {
			continue
		}
		if len(b.cfg.CompileExts) == 0 {
			return true
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, want := range b.cfg.CompileExts {
			if ext == strings.ToLower(want) {
				return true
			}
		}
	}
	return false
}

func (b *Builder) isCSSInput(path string) bool {
	for _, input := range b.cfg.CSSInputs {
		in := absPath(input)
		if path == in || within(path, in) {
			return true
		}
	}
	return false
}

func (b *Builder) isContent(path string) bool {
	if !content.IsMarkdown(path) {
		return false
	}
	for _, root := range b.source.Roots() {
		if within(path, absPath(root.Dir)) {
			return true
		}
	}
	return false
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
