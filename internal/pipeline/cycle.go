package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/euforicio/sitemd/internal/buildcache"
	"github.com/euforicio/sitemd/internal/content"
	"github.com/euforicio/sitemd/internal/fanout"
	"github.com/euforicio/sitemd/internal/layout"
	"github.com/euforicio/sitemd/internal/metrics"
	"github.com/euforicio/sitemd/internal/renderer"
	"github.com/euforicio/sitemd/internal/toolchain"
	"github.com/euforicio/sitemd/static"
)

// cycleRun carries the state of one build cycle.
type cycleRun struct {
	started time.Time
	logger  *slog.Logger
	req     *request
	changes changeSet
	summary Summary
	// forceAll marks every page stale for this cycle.
	forceAll bool
	// dirty is set when the cache must be persisted.
	dirty bool
	hints []string
}

func (b *Builder) cycle(ctx context.Context, req *request) (Summary, error) {
	run := &cycleRun{
		started: b.now(),
		req:     req,
		summary: Summary{BuildID: uuid.NewString(), State: StateIdle},
	}
	run.logger = b.logger.With("build_id", run.summary.BuildID)
	if !req.full {
		run.changes = b.classify(req.paths)
		if run.changes.empty() {
			run.logger.Debug("only build output changed, nothing to do")
			run.summary.State = StateDone
			return b.finish(run), nil
		}
	}
	run.logger.Info("build cycle started",
		slog.Bool("full", req.full),
		slog.Bool("clean", req.clean),
		slog.Int("paths", len(req.paths)))

	if err := b.prepare(ctx, run); err != nil {
		return b.abort(run, err)
	}

	lay, err := b.resolveLayout(run)
	if err != nil {
		return b.abort(run, err)
	}

	run.summary.State = StateDiscovering
	stageStart := time.Now()
	listing, err := b.source.Scan(ctx)
	b.recorder.ObserveStageDuration("discover", time.Since(stageStart))
	if err != nil {
		return b.abort(run, fmt.Errorf("%w: %w", ErrEnumeration, err))
	}
	for _, u := range listing.Unparsed {
		run.summary.Failures = append(run.summary.Failures, Failure{Key: u.Key, Err: u.Err})
	}

	run.summary.State = StateDiffing
	idx := content.Resolve(listing.Items)
	for _, shadowed := range idx.Shadowed {
		run.logger.Warn("duplicate content key, keeping higher priority kind",
			slog.String("key", shadowed.Key),
			slog.String("ignored", shadowed.SourcePath))
	}
	fingerprints := make(map[string]string, idx.Len())
	for _, item := range idx.Items() {
		fingerprints[item.Key] = pageFingerprint(item, lay)
	}
	cache := b.loadCache(run)
	b.prune(run, cache, fingerprints, listing.Unparsed)
	diff := cache.Diff(buildcache.DiffInput{
		Fingerprints:   fingerprints,
		ArtifactExists: func(key string) bool { return b.files.Exists(b.pagePath(key)) },
		Force:          run.forceAll,
		Forced:         b.forcedKeys(run, idx),
	})
	run.logger.Debug("diff computed", slog.Int("stale", len(diff.Stale)), slog.Int("fresh", len(diff.Fresh)))

	run.summary.State = StateGenerating
	stageStart = time.Now()
	site := b.site(run.started)
	outcomes := fanout.Run(ctx, diff.Stale, b.cfg.Concurrency, func(ctx context.Context, key string) (fanout.Status, error) {
		item, _ := idx.Lookup(key)
		return fanout.StatusGenerated, b.generate(ctx, cache, lay, site, item, fingerprints[key])
	})
	b.recorder.ObserveStageDuration("generate", time.Since(stageStart))

	generated, _, failed := fanout.Counts(outcomes)
	run.summary.Generated = generated
	run.summary.Skipped = len(diff.Fresh)
	run.summary.Errors = failed + len(listing.Unparsed)
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		run.summary.Failures = append(run.summary.Failures, Failure{Key: o.Key, Err: o.Err})
		run.logger.Error("page generation failed", slog.String("key", o.Key), slog.Any("err", o.Err))
	}
	if generated > 0 {
		run.dirty = true
	}

	b.writeIndex(ctx, run, cache, lay, site, idx, fingerprints)

	run.summary.State = StatePersisting
	if run.dirty {
		stageStart = time.Now()
		if err := b.store.Save(cache); err != nil {
			run.logger.Warn("build cache not saved", slog.Any("err", err))
		}
		b.recorder.ObserveStageDuration("persist", time.Since(stageStart))
	}

	run.summary.State = StateDone
	if req.full || run.summary.Generated > 0 || run.summary.IndexWritten {
		stageStart = time.Now()
		report := b.assets.Reconcile(ctx)
		run.summary.AssetsCopied += report.Copied
		b.recorder.ObserveStageDuration("reconcile", time.Since(stageStart))
	}
	return b.finish(run), nil
}

// prepare runs everything that precedes discovery: cleaning, the compile
// step, asset mirroring and the CSS step.
func (b *Builder) prepare(ctx context.Context, run *cycleRun) error {
	if run.req.clean {
		if err := b.clean(run); err != nil {
			run.logger.Warn("clean failed", slog.Any("err", err))
		}
	}

	if err := b.compile(ctx, run); err != nil {
		return err
	}

	stageStart := time.Now()
	if run.req.full {
		if err := b.assets.EnsureDirs(); err != nil {
			run.logger.Warn("asset directories not created", slog.Any("err", err))
		}
		copied, err := b.assets.CopyAll(ctx)
		if err != nil {
			run.logger.Warn("asset copy failed", slog.Any("err", err))
		}
		run.summary.AssetsCopied += copied
		embedded, err := static.CopyAll(b.files, filepath.Join(b.cfg.OutputDir, "assets"))
		if err != nil {
			run.logger.Warn("embedded assets not copied", slog.Any("err", err))
		}
		run.summary.AssetsCopied += embedded
		b.writeStylesheet(run)
	}
	for _, path := range run.changes.assets {
		hint, err := b.assets.CopyChanged(path)
		if err != nil {
			run.logger.Warn("asset copy failed", slog.String("path", path), slog.Any("err", err))
			continue
		}
		if hint != "" {
			run.summary.AssetsCopied++
			run.hints = append(run.hints, hint)
		}
	}
	b.recorder.ObserveStageDuration("assets", time.Since(stageStart))

	if run.req.full || len(run.changes.css) > 0 || len(run.changes.content) > 0 || len(run.changes.templates) > 0 {
		b.buildCSS(ctx, run)
	}
	return nil
}

func (b *Builder) clean(run *cycleRun) error {
	run.logger.Info("cleaning output", slog.String("dir", b.cfg.OutputDir))
	if err := b.files.Remove(b.cfg.OutputDir); err != nil {
		return err
	}
	if err := b.files.EnsureDir(b.cfg.OutputDir); err != nil {
		return err
	}
	b.cache = buildcache.New()
	run.dirty = true
	if run.req.cleanAll && b.cfg.CompileOutput != "" {
		run.logger.Info("cleaning compile output", slog.String("dir", b.cfg.CompileOutput))
		return b.files.Remove(b.cfg.CompileOutput)
	}
	return nil
}

func (b *Builder) compile(ctx context.Context, run *cycleRun) error {
	if !b.cfg.Compile.Enabled() {
		return nil
	}
	switch {
	case run.req.full && !run.req.clean && b.cfg.CompileOutput != "":
		fresh, err := toolchain.UpToDate(b.files, b.cfg.CompileSources, b.cfg.CompileExts, b.cfg.CompileOutput)
		if err != nil {
			run.logger.Warn("compile freshness check failed", slog.Any("err", err))
		}
		if fresh {
			run.logger.Info("compile output up to date, skipping compile step")
			return nil
		}
	case run.req.full:
	case len(run.changes.compile) == 0:
		return nil
	}

	run.logger.Info("running compile step", slog.String("step", b.cfg.Compile.Name))
	stageStart := time.Now()
	res, err := b.cfg.Compile.Run(ctx)
	b.recorder.ObserveStageDuration("compile", time.Since(stageStart))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamCompile, err)
	}
	run.logger.Debug("compile step finished", slog.Duration("duration", res.Duration), slog.String("output", res.Output))
	// The layout collaborator may depend on compiled output.
	run.forceAll = true
	return nil
}

func (b *Builder) buildCSS(ctx context.Context, run *cycleRun) {
	if !b.cfg.CSS.Enabled() {
		return
	}
	stageStart := time.Now()
	res, err := b.cfg.CSS.Run(ctx)
	b.recorder.ObserveStageDuration("css", time.Since(stageStart))
	if err != nil {
		run.logger.Warn("css step failed", slog.Any("err", err))
		return
	}
	run.logger.Debug("css step finished", slog.Duration("duration", res.Duration))
	if b.cfg.CSSOutputURL != "" {
		run.hints = append(run.hints, b.cfg.CSSOutputURL)
	}
}

func (b *Builder) writeStylesheet(run *cycleRun) {
	if b.cfg.StylesheetURL == "" {
		return
	}
	css, err := renderer.Stylesheet()
	if err != nil {
		run.logger.Warn("highlight stylesheet not generated", slog.Any("err", err))
		return
	}
	written, err := b.writeIfChanged(b.urlPath(b.cfg.StylesheetURL), css)
	if err != nil {
		run.logger.Warn("highlight stylesheet not written", slog.Any("err", err))
		return
	}
	if written {
		run.summary.AssetsCopied++
	}
}

func (b *Builder) resolveLayout(run *cycleRun) (*layout.Layout, error) {
	lay, changed, err := b.layouts.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLayout, err)
	}
	if changed {
		run.logger.Info("layout changed, regenerating every page")
		run.forceAll = true
	}
	return lay, nil
}

func (b *Builder) loadCache(run *cycleRun) *buildcache.Cache {
	if b.cache == nil {
		cache, ok := b.store.Load()
		if !ok {
			run.dirty = true
		}
		b.cache = cache
	}
	return b.cache
}

// prune drops cache entries and pages whose content no longer exists. Files
// that exist but failed to parse keep their published page.
func (b *Builder) prune(run *cycleRun, cache *buildcache.Cache, current map[string]string, unparsed []content.Unparsed) {
	keep := make(map[string]struct{}, len(current)+len(unparsed))
	for key := range current {
		keep[key] = struct{}{}
	}
	for _, u := range unparsed {
		keep[u.Key] = struct{}{}
	}
	for _, key := range cache.Prune(keep) {
		run.dirty = true
		run.summary.Pruned++
		if err := b.files.Remove(filepath.Dir(b.pagePath(key))); err != nil {
			run.logger.Warn("stale page not removed", slog.String("key", key), slog.Any("err", err))
			continue
		}
		run.logger.Info("removed page for deleted content", slog.String("key", key))
	}
}

// forcedKeys returns the keys whose source file changed; their body may have
// changed even when the fingerprint did not.
func (b *Builder) forcedKeys(run *cycleRun, idx *content.Index) map[string]struct{} {
	if len(run.changes.content) == 0 {
		return nil
	}
	forced := make(map[string]struct{})
	for _, item := range idx.Items() {
		if _, ok := run.changes.content[absPath(item.SourcePath)]; ok {
			forced[item.Key] = struct{}{}
		}
	}
	return forced
}

func (b *Builder) generate(ctx context.Context, cache *buildcache.Cache, lay *layout.Layout, site layout.Site, item content.Item, fp string) error {
	raw, err := b.files.Read(item.SourcePath)
	if err != nil {
		return err
	}
	doc, err := b.render.Render(ctx, item.SourcePath, raw)
	if err != nil {
		return err
	}
	page, err := lay.RenderPost(site, layout.Post{
		Key:         item.Key,
		Kind:        string(item.Kind),
		Title:       item.Title,
		Date:        item.Date,
		UpdatedAt:   item.UpdatedAt,
		Description: doc.Metadata.Description,
		Tags:        item.Tags,
		HTML:        template.HTML(doc.HTML), //nolint:gosec // rendered from local trusted markdown
	})
	if err != nil {
		return err
	}
	if err := b.files.Write(b.pagePath(item.Key), page); err != nil {
		return err
	}
	cache.Update(item.Key, fp, b.now())
	return nil
}

// pageFingerprint ties a cached page to its content and to the layout it was
// rendered with, so a template change made between runs still marks it stale.
func pageFingerprint(item content.Item, lay *layout.Layout) string {
	return content.Fingerprint(item) + "." + lay.Digest()
}

func (b *Builder) site(now time.Time) layout.Site {
	site := b.cfg.Site
	site.Year = now.Year()
	site.GeneratedAt = now.Format("2006-01-02")
	return site
}

func (b *Builder) pagePath(key string) string {
	return filepath.Join(b.cfg.OutputDir, "articles", key, "index.html")
}

func (b *Builder) urlPath(url string) string {
	return filepath.Join(b.cfg.OutputDir, filepath.FromSlash(url))
}

func (b *Builder) writeIfChanged(path string, data []byte) (bool, error) {
	if existing, err := b.files.Read(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := b.files.Write(path, data); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Builder) abort(run *cycleRun, err error) (Summary, error) {
	run.summary.State = StateAborted
	run.summary.Duration = time.Since(run.started)
	b.recorder.IncCycleOutcome(metrics.CycleAborted)
	b.recorder.ObserveCycleDuration(run.summary.Duration)
	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelInfo
	}
	run.logger.Log(context.Background(), level, "build cycle aborted", slog.Any("err", err))
	return run.summary, err
}

func (b *Builder) finish(run *cycleRun) Summary {
	s := &run.summary
	s.Duration = time.Since(run.started)
	sort.Slice(s.Failures, func(i, j int) bool { return s.Failures[i].Key < s.Failures[j].Key })

	// A lone asset change can be applied without a full page reload.
	if s.Generated == 0 && !s.IndexWritten && s.Pruned == 0 && len(run.hints) == 1 {
		s.ReloadHint = run.hints[0]
	}

	b.recorder.IncCycleOutcome(metrics.CycleSuccess)
	b.recorder.ObserveCycleDuration(s.Duration)
	b.recorder.AddItemOutcomes(s.Generated, s.Skipped, s.Errors)
	run.logger.Info("build cycle finished",
		slog.Int("generated", s.Generated),
		slog.Int("skipped", s.Skipped),
		slog.Int("errors", s.Errors),
		slog.Int("pruned", s.Pruned),
		slog.Bool("index", s.IndexWritten),
		slog.Int("assets", s.AssetsCopied),
		slog.Duration("duration", s.Duration))
	return *s
}
