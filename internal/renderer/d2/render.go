// Package d2 compiles D2 diagram sources to SVG in-process.
package d2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"oss.terrastruct.com/d2/d2graph"
	"oss.terrastruct.com/d2/d2layouts/d2dagrelayout"
	"oss.terrastruct.com/d2/d2layouts/d2elklayout"
	"oss.terrastruct.com/d2/d2lib"
	"oss.terrastruct.com/d2/d2renderers/d2svg"
	"oss.terrastruct.com/d2/d2themes/d2themescatalog"
	d2log "oss.terrastruct.com/d2/lib/log"
	"oss.terrastruct.com/d2/lib/textmeasure"
)

// ErrEmptyDiagram is returned when the diagram body is blank.
var ErrEmptyDiagram = errors.New("empty d2 diagram")

// Result is a compiled diagram.
type Result struct {
	SVG      string
	Duration time.Duration
}

// Options configure a Renderer.
type Options struct {
	Timeout     time.Duration
	ThemeID     int64
	DarkThemeID int64
}

// Renderer compiles D2 sources. Layout engines are chosen by the diagram
// itself through its vars block; dagre is the default.
type Renderer struct {
	logger *slog.Logger
	opts   Options

	// textmeasure.Ruler is not safe for concurrent use and is costly to build.
	mu    sync.Mutex
	ruler *textmeasure.Ruler
}

// New creates a renderer. Zero option fields take defaults.
func New(logger *slog.Logger, opts Options) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 12 * time.Second
	}
	if opts.ThemeID == 0 {
		opts.ThemeID = d2themescatalog.NeutralDefault.ID
	}
	if opts.DarkThemeID == 0 {
		opts.DarkThemeID = d2themescatalog.DarkFlagshipTerrastruct.ID
	}
	return &Renderer{
		logger: logger.With("component", "d2"),
		opts:   opts,
	}
}

// Render compiles source into SVG.
func (r *Renderer) Render(ctx context.Context, source string) (Result, error) {
	if strings.TrimSpace(source) == "" {
		return Result{}, ErrEmptyDiagram
	}

	ctx = d2log.With(ctx, r.logger)
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ruler == nil {
		ruler, err := textmeasure.NewRuler()
		if err != nil {
			return Result{}, fmt.Errorf("init ruler: %w", err)
		}
		r.ruler = ruler
	}

	themeID := r.opts.ThemeID
	darkThemeID := r.opts.DarkThemeID
	pad := int64(d2svg.DEFAULT_PADDING)
	renderOpts := &d2svg.RenderOpts{
		ThemeID:     &themeID,
		DarkThemeID: &darkThemeID,
		Pad:         &pad,
	}

	start := time.Now()
	diagram, _, err := d2lib.Compile(ctx, source, &d2lib.CompileOptions{
		Ruler:          r.ruler,
		LayoutResolver: layoutResolver,
	}, renderOpts)
	if err != nil {
		return Result{}, fmt.Errorf("compile diagram: %w", err)
	}
	if diagram == nil {
		return Result{}, errors.New("d2 compiler returned nil diagram")
	}

	svg, err := d2svg.Render(diagram, renderOpts)
	if err != nil {
		return Result{}, fmt.Errorf("render svg: %w", err)
	}

	return Result{
		SVG:      string(svg),
		Duration: time.Since(start),
	}, nil
}

func layoutResolver(engine string) (d2graph.LayoutGraph, error) {
	switch strings.ToLower(engine) {
	case "", "dagre":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2dagrelayout.Layout(ctx, g, nil)
		}, nil
	case "elk":
		return func(ctx context.Context, g *d2graph.Graph) error {
			return d2elklayout.Layout(ctx, g, nil)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported d2 layout %q", engine)
	}
}
