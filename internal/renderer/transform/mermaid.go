// Package transform holds goldmark extensions for diagram fences.
package transform

import (
	"bytes"
	"strings"

	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/util"
)

const mermaidLanguage = "mermaid"

// MermaidWrapper leaves ```mermaid fences as <pre class="mermaid"> for the
// client-side mermaid script and falls back to plain code blocks for
// languages chroma could not highlight.
func MermaidWrapper() highlighting.WrapperRenderer {
	return func(w util.BufWriter, ctx highlighting.CodeBlockContext, entering bool) {
		if ctx.Highlighted() {
			return
		}

		lang, _ := ctx.Language()
		if strings.EqualFold(strings.TrimSpace(string(lang)), mermaidLanguage) {
			if entering {
				_, _ = w.WriteString(`<pre class="mermaid">`)
			} else {
				_, _ = w.WriteString("</pre>\n")
			}
			return
		}

		if !entering {
			_, _ = w.WriteString("</code></pre>\n")
			return
		}
		_, _ = w.WriteString("<pre><code")
		if len(bytes.TrimSpace(lang)) > 0 {
			_, _ = w.WriteString(` class="language-`)
			_, _ = w.Write(util.EscapeHTML(lang))
			_, _ = w.WriteString(`"`)
		}
		_, _ = w.WriteString(">")
	}
}
