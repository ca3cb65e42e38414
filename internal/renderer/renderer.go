// Package renderer converts markdown posts to HTML fragments with syntax
// highlighting, heading anchors and server-side diagrams.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	goldmarkmeta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmrenderer "github.com/yuin/goldmark/renderer"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	"go.abhg.dev/goldmark/anchor"

	"github.com/euforicio/sitemd/internal/renderer/d2"
	"github.com/euforicio/sitemd/internal/renderer/transform"
)

// StyleName is the chroma style used for highlighted code blocks.
const StyleName = "github-dark"

// Metadata captures the front matter seen while rendering.
type Metadata struct {
	Raw         map[string]any
	Title       string
	Description string
	Tags        []string
}

// IsZero reports whether the metadata carries any meaningful values.
func (m Metadata) IsZero() bool {
	if m.Title != "" || m.Description != "" || len(m.Tags) > 0 {
		return false
	}
	return len(m.Raw) == 0
}

// Document is a rendered markdown file.
type Document struct {
	HTML     string
	Metadata Metadata
}

// Options configure a Service.
type Options struct {
	// Diagrams renders ```d2 fences inline. Nil leaves them as code blocks.
	Diagrams *d2.Renderer
	// PagePrefix is the URL prefix for links to other posts.
	PagePrefix string
	// ImagePrefix is the URL prefix for relative image references.
	ImagePrefix string
}

// Service renders markdown into HTML. It holds no per-document state and is
// safe for concurrent use.
type Service struct {
	md     goldmark.Markdown
	logger *slog.Logger
}

var docPathKey = parser.NewContextKey()

// linkTransformer rewrites relative post links to published page URLs and
// relative images to the image asset prefix.
type linkTransformer struct {
	pagePrefix  string
	imagePrefix string
}

func (t *linkTransformer) Transform(node *ast.Document, _ text.Reader, pc parser.Context) {
	currentPath := ""
	if v, ok := pc.Get(docPathKey).(string); ok {
		currentPath = v
	}
	currentDir := path.Dir(currentPath)

	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch typed := n.(type) {
		case *ast.Link:
			t.transformLink(typed)
		case *ast.Image:
			t.transformImage(typed, currentDir)
		}
		return ast.WalkContinue, nil
	})
}

func (t *linkTransformer) transformLink(link *ast.Link) {
	dest := string(link.Destination)
	if dest == "" || isExternal(dest) || strings.HasPrefix(dest, "#") {
		return
	}

	target, fragment, _ := strings.Cut(dest, "#")
	lower := strings.ToLower(target)
	if !strings.HasSuffix(lower, ".md") && !strings.HasSuffix(lower, ".markdown") {
		return
	}

	base := path.Base(target)
	key := strings.TrimSuffix(base, path.Ext(base))
	out := t.pagePrefix + key + "/"
	if fragment != "" {
		out += "#" + fragment
	}
	link.Destination = []byte(out)
}

func (t *linkTransformer) transformImage(img *ast.Image, currentDir string) {
	dest := string(img.Destination)
	if dest == "" || isExternal(dest) || strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "data:") {
		return
	}

	// Images sit next to posts in the source tree but are published under a
	// single flat prefix, so only the path below any "images" directory
	// survives.
	clean := path.Clean(path.Join(currentDir, dest))
	if i := strings.LastIndex(clean, "images/"); i >= 0 {
		clean = clean[i+len("images/"):]
	} else {
		clean = path.Base(clean)
	}
	img.Destination = []byte(t.imagePrefix + clean)
}

func isExternal(dest string) bool {
	return strings.HasPrefix(dest, "http://") ||
		strings.HasPrefix(dest, "https://") ||
		strings.HasPrefix(dest, "mailto:") ||
		strings.HasPrefix(dest, "//")
}

// NewService constructs a markdown renderer with GitHub-flavored markdown
// support, chroma highlighting, heading anchors and mermaid passthrough.
// If logger is nil, the default slog logger is used.
func NewService(logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "renderer")
	if opts.PagePrefix == "" {
		opts.PagePrefix = "/articles/"
	}
	if opts.ImagePrefix == "" {
		opts.ImagePrefix = "/assets/images/"
	}

	highlight := highlighting.NewHighlighting(
		highlighting.WithStyle(StyleName),
		highlighting.WithFormatOptions(
			html.WithLineNumbers(false),
			html.WithClasses(true),
		),
		highlighting.WithWrapperRenderer(transform.MermaidWrapper()),
	)

	transformers := []util.PrioritizedValue{
		util.Prioritized(&linkTransformer{pagePrefix: opts.PagePrefix, imagePrefix: opts.ImagePrefix}, 100),
	}
	var nodeRenderers []util.PrioritizedValue
	if opts.Diagrams != nil {
		transformers = append(transformers, util.Prioritized(transform.NewD2Transformer(opts.Diagrams, logger), 50))
		nodeRenderers = append(nodeRenderers, util.Prioritized(transform.NewD2BlockRenderer(), 100))
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			goldmarkmeta.Meta,
			highlight,
			&anchor.Extender{
				Position: anchor.After,
			},
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithAttribute(),
			parser.WithASTTransformers(transformers...),
		),
		goldmark.WithRendererOptions(
			// Posts are authored locally and trusted, so raw HTML passes through.
			htmlrenderer.WithUnsafe(),
			htmlrenderer.WithXHTML(),
			gmrenderer.WithNodeRenderers(nodeRenderers...),
		),
	)

	return &Service{
		md:     md,
		logger: logger,
	}
}

// Render converts a markdown document, front matter included, into an HTML
// fragment. path is used to resolve relative image references.
func (s *Service) Render(ctx context.Context, path string, content []byte) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	parserCtx := parser.NewContext()
	parserCtx.Set(docPathKey, path)
	parserCtx.Set(transform.RenderContextKey, ctx)
	buf := bytes.NewBuffer(make([]byte, 0, len(content)*2))

	if err := s.md.Convert(content, buf, parser.WithContext(parserCtx)); err != nil {
		return Document{}, fmt.Errorf("render markdown %s: %w", path, err)
	}

	return Document{
		HTML:     buf.String(),
		Metadata: extractMetadata(parserCtx),
	}, nil
}

func extractMetadata(ctx parser.Context) Metadata {
	raw := goldmarkmeta.Get(ctx)
	var meta Metadata
	if raw == nil {
		return meta
	}

	meta.Raw = make(map[string]any)
	for k, v := range raw {
		meta.Raw[k] = v
		switch k {
		case "title":
			if str, ok := toString(v); ok {
				meta.Title = str
			}
		case "description", "summary", "excerpt":
			if str, ok := toString(v); ok {
				meta.Description = str
			}
		case "tags", "keywords":
			meta.Tags = toStringSlice(v)
		}
	}

	if len(meta.Raw) == 0 {
		meta.Raw = nil
	}
	return meta
}

func toString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if str, ok := toString(item); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	default:
		if str, ok := toString(v); ok {
			return []string{str}
		}
		return nil
	}
}
