// Package main provides the sitemd build and dev server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/euforicio/sitemd/internal/assets"
	"github.com/euforicio/sitemd/internal/buildcache"
	"github.com/euforicio/sitemd/internal/buildinfo"
	"github.com/euforicio/sitemd/internal/config"
	"github.com/euforicio/sitemd/internal/content"
	"github.com/euforicio/sitemd/internal/fsstore"
	"github.com/euforicio/sitemd/internal/layout"
	"github.com/euforicio/sitemd/internal/livereload"
	"github.com/euforicio/sitemd/internal/metrics"
	"github.com/euforicio/sitemd/internal/pipeline"
	"github.com/euforicio/sitemd/internal/renderer"
	"github.com/euforicio/sitemd/internal/renderer/d2"
	"github.com/euforicio/sitemd/internal/server"
	"github.com/euforicio/sitemd/internal/watch"
)

const (
	liveReloadURL = "/__livereload.js"
	siteCSSURL    = "/assets/css/site.css"
	tailwindURL   = "/assets/css/styles.css"
	chromaURL     = "/assets/css/chroma.css"
)

func main() {
	cfg := config.Default()
	dotenvRoot := cfg.RootDir
	if root := os.Getenv("SITEMD_ROOT"); root != "" {
		dotenvRoot = root
	}
	if err := config.LoadDotEnv(dotenvRoot); err != nil {
		slog.Error("load .env", slog.Any("err", err))
		os.Exit(1)
	}
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("sitemd", pflag.ExitOnError)
	config.RegisterFlags(flags, &cfg)
	versionFlag := flags.Bool("version", false, "Print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("parse flags", slog.Any("err", err))
		os.Exit(1)
	}
	if *versionFlag {
		fmt.Println(buildinfo.Summary())
		os.Exit(0)
	}
	if err := config.Finalize(&cfg); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	switch {
	case cfg.Debug:
		logLevel = slog.LevelDebug
	case cfg.Verbose:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger = logger.With("app", "sitemd")
	slog.SetDefault(logger)
	logger.Info("starting sitemd", slog.String("version", buildinfo.Summary()), slog.String("root", cfg.RootDir))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		cancel()
		logger.Error("sitemd failed", slog.Any("err", err))
		//nolint:gocritic // exitAfterDefer: cancel() explicitly called before os.Exit
		os.Exit(1)
	}
}

type app struct {
	builder  *pipeline.Builder
	files    *fsstore.Local
	hub      *livereload.Hub
	registry *prometheus.Registry
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	files := fsstore.NewLocal(logger)
	a := &app{files: files}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Watch && cfg.Metrics {
		a.registry = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(a.registry)
	}
	if cfg.Watch {
		a.hub = livereload.NewHub(logger, livereload.Options{Recorder: recorder})
	}

	source, err := content.NewSource(files, []content.Root{
		{Kind: content.KindArticle, Dir: cfg.ArticlesDir},
		{Kind: content.KindProject, Dir: cfg.ProjectsDir},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("content source: %w", err)
	}
	store, err := buildcache.NewStore(files, cfg.CacheFile, logger)
	if err != nil {
		return nil, fmt.Errorf("build cache: %w", err)
	}

	rendererSvc := renderer.NewService(logger, renderer.Options{
		Diagrams: d2.New(logger, d2.Options{}),
	})

	cssStep := cfg.CSSStep()
	stylesheets := []string{siteCSSURL}
	var cssInputs []string
	if cssStep.Enabled() {
		stylesheets = append(stylesheets, tailwindURL)
		cssInputs = []string{cfg.CSSInput, tailwindConfig(cfg)}
	}
	stylesheets = append(stylesheets, chromaURL)

	a.builder, err = pipeline.New(pipeline.Config{
		OutputDir:   cfg.OutputDir,
		Concurrency: cfg.Concurrency,
		Site: layout.Site{
			Title:            cfg.SiteTitle,
			BaseURL:          cfg.BaseURL,
			Stylesheets:      stylesheets,
			LiveReloadScript: liveReloadURL,
			LiveReload:       cfg.Watch,
		},
		Compile:        cfg.CompileStep(),
		CompileSources: cfg.CompileSources,
		CompileExts:    cfg.CompileExts,
		CompileOutput:  cfg.CompileOutput,
		CSS:            cssStep,
		CSSInputs:      cssInputs,
		CSSOutputURL:   tailwindURL,
		StylesheetURL:  chromaURL,
		TemplateDir:    cfg.TemplatesDir,
	}, pipeline.Deps{
		Files:    files,
		Source:   source,
		Renderer: rendererSvc,
		Layouts:  layout.NewLoader(files, cfg.TemplatesDir, logger),
		Assets:   assets.NewManager(files, cfg.OutputDir, assets.MappingsFrom(cfg.AssetsDir, cfg.OutputDir), cfg.AssetConcurrency, logger),
		Cache:    store,
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return a, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	summary, err := a.builder.Build(ctx, pipeline.BuildOptions{Clean: cfg.Clean, CleanAll: cfg.CleanAll})
	report(summary)
	if err != nil {
		if !cfg.Watch {
			return err
		}
		logger.Error("initial build failed, waiting for changes", slog.Any("err", err))
	}
	if !cfg.Watch {
		return nil
	}
	defer a.hub.Close()
	return a.watch(ctx, cfg, logger)
}

func (a *app) watch(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	roots := []string{cfg.ArticlesDir, cfg.ProjectsDir, cfg.TemplatesDir, cfg.AssetsDir}
	roots = append(roots, cfg.CompileSources...)
	if cfg.CSSStep().Enabled() {
		roots = append(roots, filepath.Dir(cfg.CSSInput))
		if twConfig := tailwindConfig(cfg); a.files.Exists(twConfig) {
			roots = append(roots, twConfig)
		}
	}
	watcher, err := a.files.Watch(ctx, dedupe(roots)...)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Warn("close watcher", slog.Any("err", err))
		}
	}()

	coordinator, err := watch.NewCoordinator(a.builder, a.hub, watch.Options{
		Debounce:    cfg.Debounce,
		CSSDebounce: cfg.CSSDebounce,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	opts := server.Options{
		Dir:        cfg.OutputDir,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Production: cfg.Production,
		Verbose:    cfg.Verbose || cfg.Debug,
		AutoOpen:   cfg.AutoOpen,
		Hub:        a.hub,
		Logger:     logger,
	}
	if a.registry != nil {
		opts.Metrics = metrics.HTTPHandler(a.registry)
	}
	srv, err := server.New(opts)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Run(gctx, watcher.Events())
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-watcher.Errors():
				if !ok {
					return nil
				}
				logger.Warn("watch error", slog.Any("err", err))
			}
		}
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// tailwindConfig is watched as a single file; the project root itself is not.
func tailwindConfig(cfg config.Config) string {
	return filepath.Join(cfg.RootDir, "tailwind.config.js")
}

func report(s pipeline.Summary) {
	status := "built"
	if s.State == pipeline.StateAborted {
		status = "aborted"
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s: %d generated, %d skipped, %d errors, %d pruned in %s\n",
		status, s.Generated, s.Skipped, s.Errors, s.Pruned, s.Duration.Round(time.Millisecond))
	for _, f := range s.Failures {
		_, _ = fmt.Fprintf(os.Stdout, "  failed %s: %v\n", f.Key, f.Err)
	}
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
