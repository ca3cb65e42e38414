package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	"github.com/euforicio/sitemd/internal/renderer/d2"
)

const d2Language = "d2"

// RenderContextKey carries the caller's context.Context through goldmark's
// parser context so diagram compilation honors cancellation.
var RenderContextKey = parser.NewContextKey()

// D2Transformer replaces fenced ```d2 blocks with pre-rendered SVG nodes.
type D2Transformer struct {
	diagrams *d2.Renderer
	logger   *slog.Logger
}

// NewD2Transformer constructs an AST transformer. A nil renderer makes the
// transformer a no-op.
func NewD2Transformer(diagrams *d2.Renderer, logger *slog.Logger) parser.ASTTransformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &D2Transformer{
		diagrams: diagrams,
		logger:   logger,
	}
}

// Transform implements parser.ASTTransformer.
func (t *D2Transformer) Transform(node *ast.Document, reader text.Reader, pc parser.Context) {
	if t.diagrams == nil || node == nil {
		return
	}
	ctx, ok := pc.Get(RenderContextKey).(context.Context)
	if !ok || ctx == nil {
		ctx = context.Background()
	}
	t.walk(ctx, node, reader)
}

func (t *D2Transformer) walk(ctx context.Context, parent ast.Node, reader text.Reader) {
	for child := parent.FirstChild(); child != nil; {
		next := child.NextSibling()

		if block, ok := child.(*ast.FencedCodeBlock); ok && isD2Block(block, reader.Source()) {
			replacement := t.renderBlock(ctx, block, reader)
			replacement.SetBlankPreviousLines(block.HasBlankPreviousLines())
			for _, attr := range block.Attributes() {
				replacement.SetAttribute(attr.Name, attr.Value)
			}
			parent.ReplaceChild(parent, block, replacement)
			child = next
			continue
		}

		if child.HasChildren() {
			t.walk(ctx, child, reader)
		}
		child = next
	}
}

func (t *D2Transformer) renderBlock(ctx context.Context, block *ast.FencedCodeBlock, reader text.Reader) *D2Block {
	source := blockSource(block, reader)
	result, err := t.diagrams.Render(ctx, source)
	if err != nil {
		t.logger.Warn("diagram render failed", slog.Any("err", err))
		return &D2Block{Source: source, Error: err.Error()}
	}
	return &D2Block{
		Source:  source,
		SVG:     result.SVG,
		Runtime: result.Duration,
	}
}

func isD2Block(block *ast.FencedCodeBlock, source []byte) bool {
	lang := strings.TrimSpace(string(block.Language(source)))
	return strings.EqualFold(lang, d2Language)
}

func blockSource(block *ast.FencedCodeBlock, reader text.Reader) string {
	var buf bytes.Buffer
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		buf.Write(segment.Value(reader.Source()))
	}
	return buf.String()
}

// D2Block is a rendered diagram embedded in the AST.
type D2Block struct {
	ast.BaseBlock
	Source  string
	SVG     string
	Error   string
	Runtime time.Duration
}

// KindD2Block is the node kind of D2Block.
var KindD2Block = ast.NewNodeKind("D2Block")

// Kind implements ast.Node.
func (b *D2Block) Kind() ast.NodeKind {
	return KindD2Block
}

// IsRaw implements ast.Node.
func (b *D2Block) IsRaw() bool {
	return true
}

// Dump implements ast.Node.
func (b *D2Block) Dump(source []byte, level int) {
	info := map[string]string{
		"Source": fmt.Sprintf("%d bytes", len(b.Source)),
	}
	if b.Error != "" {
		info["Error"] = fmt.Sprintf("%q", b.Error)
	}
	ast.DumpHelper(b, source, level, info, nil)
}

// D2BlockRenderer writes D2Block nodes as inline SVG figures.
type D2BlockRenderer struct{}

// NewD2BlockRenderer returns a renderer for D2 nodes.
func NewD2BlockRenderer() renderer.NodeRenderer {
	return &D2BlockRenderer{}
}

// RegisterFuncs implements renderer.NodeRenderer.
func (r *D2BlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindD2Block, r.renderD2Block)
}

func (r *D2BlockRenderer) renderD2Block(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	block := node.(*D2Block)

	var out strings.Builder
	out.WriteString(`<figure class="diagram diagram-d2"`)
	if block.Source != "" {
		fmt.Fprintf(&out, ` data-source-b64="%s"`, base64.StdEncoding.EncodeToString([]byte(block.Source)))
	}
	out.WriteString(`>`)
	if block.Error != "" {
		out.WriteString(`<pre class="diagram-error">`)
		out.WriteString(html.EscapeString(block.Error))
		out.WriteString(`</pre>`)
	} else {
		out.WriteString(block.SVG)
	}
	out.WriteString("</figure>\n")

	if _, err := w.WriteString(out.String()); err != nil {
		return ast.WalkStop, err
	}
	return ast.WalkSkipChildren, nil
}
