package renderer

import (
	"bytes"
	"fmt"

	"github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/styles"
)

// Stylesheet returns the CSS matching the classes emitted for highlighted
// code blocks.
func Stylesheet() ([]byte, error) {
	style := styles.Get(StyleName)
	if style == nil {
		return nil, fmt.Errorf("chroma style %q not found", StyleName)
	}

	formatter := html.New(
		html.WithClasses(true),
		html.ClassPrefix(""),
	)

	var buf bytes.Buffer
	if err := formatter.WriteCSS(&buf, style); err != nil {
		return nil, fmt.Errorf("generate chroma css: %w", err)
	}
	return buf.Bytes(), nil
}
