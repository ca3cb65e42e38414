// Package pipeline runs incremental build cycles: discover content, diff it
// against the build cache, regenerate stale pages with bounded concurrency,
// persist the cache and reconcile assets.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/euforicio/sitemd/internal/assets"
	"github.com/euforicio/sitemd/internal/buildcache"
	"github.com/euforicio/sitemd/internal/content"
	"github.com/euforicio/sitemd/internal/fsstore"
	"github.com/euforicio/sitemd/internal/layout"
	"github.com/euforicio/sitemd/internal/metrics"
	"github.com/euforicio/sitemd/internal/renderer"
	"github.com/euforicio/sitemd/internal/toolchain"
)

var (
	// ErrUpstreamCompile aborts a cycle whose compile step failed.
	ErrUpstreamCompile = errors.New("upstream compile failed")
	// ErrEnumeration aborts a cycle whose content roots could not be read.
	ErrEnumeration = errors.New("content enumeration failed")
	// ErrLayout aborts a cycle when no page layout can be resolved.
	ErrLayout = errors.New("layout unavailable")
)

// State is a build cycle phase.
type State string

// Cycle states.
const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateDiffing     State = "diffing"
	StateGenerating  State = "generating"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// Renderer turns one markdown file into an HTML fragment.
type Renderer interface {
	Render(ctx context.Context, path string, src []byte) (renderer.Document, error)
}

// LayoutResolver supplies the page layout for each cycle and reports whether
// it changed since the previous one.
type LayoutResolver interface {
	Resolve() (*layout.Layout, bool, error)
}

// Config holds the build settings.
type Config struct {
	OutputDir string
	// Concurrency bounds in-flight page generations per batch.
	Concurrency int
	Site        layout.Site

	Compile toolchain.Step
	// CompileSources are the directories whose changes require a recompile.
	CompileSources []string
	CompileExts    []string
	// CompileOutput is checked for freshness against CompileSources.
	CompileOutput string

	CSS toolchain.Step
	// CSSInputs are files or directories whose changes re-run the CSS step.
	CSSInputs []string
	// CSSOutputURL is the public path of the compiled stylesheet.
	CSSOutputURL string
	// StylesheetURL is the public path of the generated highlight stylesheet.
	StylesheetURL string

	// TemplateDir holds layout overrides.
	TemplateDir string
}

// Deps are the collaborators a Builder drives.
type Deps struct {
	Files    fsstore.FileStore
	Source   *content.Source
	Renderer Renderer
	Layouts  LayoutResolver
	Assets   *assets.Manager
	Cache    *buildcache.Store
	Recorder metrics.Recorder
	Logger   *slog.Logger
}

// BuildOptions adjust a full build.
type BuildOptions struct {
	// Clean empties the output directory and ignores the cache.
	Clean bool
	// CleanAll additionally removes the compile output.
	CleanAll bool
}

// Failure is a page that could not be generated.
type Failure struct {
	Err error
	Key string
}

// Summary reports the result of a build request.
type Summary struct {
	BuildID      string
	State        State
	ReloadHint   string
	Failures     []Failure
	Generated    int
	Skipped      int
	Errors       int
	Pruned       int
	AssetsCopied int
	Cycles       int
	Duration     time.Duration
	IndexWritten bool
	// Queued is set when the request was merged into a cycle already running.
	Queued bool
}

// OK reports whether the cycle completed.
func (s Summary) OK() bool {
	return s.State == StateDone || s.Queued
}

// Builder runs build cycles one at a time.
type Builder struct {
	cfg      Config
	files    fsstore.FileStore
	source   *content.Source
	render   Renderer
	layouts  LayoutResolver
	assets   *assets.Manager
	store    *buildcache.Store
	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	cache *buildcache.Cache

	mu      sync.Mutex
	running bool
	pending *request
}

// New constructs a Builder.
func New(cfg Config, deps Deps) (*Builder, error) {
	switch {
	case deps.Files == nil:
		return nil, errors.New("file store must be provided")
	case deps.Source == nil:
		return nil, errors.New("content source must be provided")
	case deps.Renderer == nil:
		return nil, errors.New("renderer must be provided")
	case deps.Layouts == nil:
		return nil, errors.New("layout resolver must be provided")
	case deps.Assets == nil:
		return nil, errors.New("asset manager must be provided")
	case deps.Cache == nil:
		return nil, errors.New("cache store must be provided")
	case cfg.OutputDir == "":
		return nil, errors.New("output directory must be provided")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 5
	}
	return &Builder{
		cfg:      cfg,
		files:    deps.Files,
		source:   deps.Source,
		render:   deps.Renderer,
		layouts:  deps.Layouts,
		assets:   deps.Assets,
		store:    deps.Cache,
		recorder: deps.Recorder,
		logger:   deps.Logger.With("component", "pipeline"),
		now:      time.Now,
	}, nil
}

// Build runs a full cycle: toolchain steps, asset mirroring and every page.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (Summary, error) {
	return b.submit(ctx, &request{
		full:     true,
		clean:    opts.Clean || opts.CleanAll,
		cleanAll: opts.CleanAll,
		paths:    map[string]struct{}{},
	})
}

// Rebuild runs a cycle in response to changed paths. If a cycle is already
// running the paths are merged into the next queued cycle and a Summary with
// Queued set is returned immediately.
func (b *Builder) Rebuild(ctx context.Context, paths []string) (Summary, error) {
	req := &request{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		req.paths[p] = struct{}{}
	}
	return b.submit(ctx, req)
}

// Busy reports whether a cycle is running.
func (b *Builder) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// submit serializes cycles. The caller that finds the builder idle runs its
// own cycle and then drains the single queued slot until it stays empty.
func (b *Builder) submit(ctx context.Context, req *request) (Summary, error) {
	b.mu.Lock()
	if b.running {
		b.pending = b.pending.merge(req)
		b.mu.Unlock()
		b.recorder.IncCoalescedRebuild()
		b.logger.Debug("build queued behind running cycle", slog.Int("paths", len(req.paths)))
		return Summary{State: StateIdle, Queued: true}, nil
	}
	b.running = true
	b.mu.Unlock()

	summary, err := b.cycle(ctx, req)
	cycles := 1
	for {
		b.mu.Lock()
		next := b.pending
		if next == nil || ctx.Err() != nil {
			b.running = false
			b.mu.Unlock()
			summary.Cycles = cycles
			return summary, err
		}
		b.pending = nil
		b.mu.Unlock()

		summary, err = b.cycle(ctx, next)
		cycles++
	}
}

type request struct {
	paths    map[string]struct{}
	full     bool
	clean    bool
	cleanAll bool
}

func (r *request) merge(other *request) *request {
	if r == nil {
		return other
	}
	for p := range other.paths {
		r.paths[p] = struct{}{}
	}
	r.full = r.full || other.full
	r.clean = r.clean || other.clean
	r.cleanAll = r.cleanAll || other.cleanAll
	return r
}
