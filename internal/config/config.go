// Package config manages build configuration from environment variables,
// an optional .env file and flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/euforicio/sitemd/internal/toolchain"
)

const envPrefix = "SITEMD_"

const defaultCompileCommand = "spago build"

// Config holds runtime configuration for the site builder and dev server.
type Config struct {
	RootDir      string
	ArticlesDir  string
	ProjectsDir  string
	OutputDir    string
	CacheFile    string
	TemplatesDir string
	AssetsDir    string

	Host             string
	Port             int
	Concurrency      int
	AssetConcurrency int
	Debounce         time.Duration
	CSSDebounce      time.Duration

	CompileCommand string
	CompileSources []string
	CompileExts    []string
	CompileOutput  string
	CompileTimeout time.Duration

	CSSCommand string
	CSSInput   string
	CSSTimeout time.Duration

	SiteTitle string
	BaseURL   string

	Watch      bool
	Clean      bool
	CleanAll   bool
	Production bool
	Verbose    bool
	Debug      bool
	AutoOpen   bool
	Metrics    bool
}

// Default returns ready-to-use defaults prior to env/flag overrides.
func Default() Config {
	return Config{
		RootDir:          ".",
		ArticlesDir:      filepath.Join("src", "posts", "articles"),
		ProjectsDir:      filepath.Join("src", "posts", "projects"),
		OutputDir:        "dist",
		TemplatesDir:     "templates",
		AssetsDir:        filepath.Join("src", "public", "assets"),
		Port:             3000,
		Concurrency:      5,
		AssetConcurrency: 16,
		Debounce:         500 * time.Millisecond,
		CSSDebounce:      100 * time.Millisecond,
		CompileCommand:   defaultCompileCommand,
		CompileSources:   []string{"src"},
		CompileExts:      []string{".purs"},
		CompileOutput:    "output",
		CompileTimeout:   toolchain.DefaultTimeout,
		CSSInput:         filepath.Join("tailwind", "tailwind.css"),
		CSSTimeout:       toolchain.DefaultTimeout,
		SiteTitle:        "fah",
		Metrics:          true,
	}
}

// RegisterFlags attaches configuration flags to the provided FlagSet.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.RootDir, "root", "r", cfg.RootDir, "project root directory")
	fs.StringVar(&cfg.ArticlesDir, "articles", cfg.ArticlesDir, "article markdown directory (relative to root)")
	fs.StringVar(&cfg.ProjectsDir, "projects", cfg.ProjectsDir, "project markdown directory (relative to root)")
	fs.StringVarP(&cfg.OutputDir, "out", "o", cfg.OutputDir, "output directory for the generated site")
	fs.StringVar(&cfg.CacheFile, "cache", cfg.CacheFile, "build cache file (default <out>/.cache/site-cache.json)")
	fs.StringVar(&cfg.TemplatesDir, "templates", cfg.TemplatesDir, "directory with layout template overrides")
	fs.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "directory with images, fonts and js to publish")

	fs.StringVar(&cfg.Host, "host", cfg.Host, "host to bind the dev server")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "first port tried by the dev server (0 = auto-assign)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "pages generated concurrently")
	fs.IntVar(&cfg.AssetConcurrency, "asset-concurrency", cfg.AssetConcurrency, "assets copied concurrently")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "quiet window before a watch rebuild")
	fs.DurationVar(&cfg.CSSDebounce, "css-debounce", cfg.CSSDebounce, "quiet window for stylesheet-only changes")

	fs.StringVar(&cfg.CompileCommand, "compile-cmd", cfg.CompileCommand, "upstream compile command (empty disables)")
	fs.StringSliceVar(&cfg.CompileSources, "compile-src", cfg.CompileSources, "directories whose changes require a recompile")
	fs.StringSliceVar(&cfg.CompileExts, "compile-ext", cfg.CompileExts, "source extensions watched for recompiles")
	fs.StringVar(&cfg.CompileOutput, "compile-out", cfg.CompileOutput, "compile output directory checked for freshness")
	fs.DurationVar(&cfg.CompileTimeout, "compile-timeout", cfg.CompileTimeout, "upstream compile timeout")

	fs.StringVar(&cfg.CSSCommand, "css-cmd", cfg.CSSCommand, "stylesheet build command (default tailwindcss when the input exists)")
	fs.StringVar(&cfg.CSSInput, "css-input", cfg.CSSInput, "stylesheet entry point")
	fs.DurationVar(&cfg.CSSTimeout, "css-timeout", cfg.CSSTimeout, "stylesheet build timeout")

	fs.StringVar(&cfg.SiteTitle, "title", cfg.SiteTitle, "site title")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "absolute site URL used for canonical links")

	fs.BoolVarP(&cfg.Watch, "watch", "w", cfg.Watch, "rebuild on changes and serve with live reload")
	fs.BoolVar(&cfg.Clean, "clean", cfg.Clean, "empty the output directory before building")
	fs.BoolVar(&cfg.CleanAll, "clean-all", cfg.CleanAll, "also remove the compile output")
	fs.BoolVar(&cfg.Production, "production", cfg.Production, "minify stylesheets and allow caching")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "enable verbose logging")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.BoolVar(&cfg.AutoOpen, "auto-open", cfg.AutoOpen, "open the browser after the dev server starts")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "expose Prometheus metrics at /metrics")
}

// LoadDotEnv loads root/.env into the process environment without replacing
// variables that are already set. A missing file is not an error.
func LoadDotEnv(root string) error {
	path := filepath.Join(root, ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides reads supported environment variables and overrides cfg in place.
func ApplyEnvOverrides(cfg *Config) {
	applyStringEnv("ROOT", func(v string) { cfg.RootDir = v })
	applyStringEnv("ARTICLES", func(v string) { cfg.ArticlesDir = v })
	applyStringEnv("PROJECTS", func(v string) { cfg.ProjectsDir = v })
	applyStringEnv("OUT", func(v string) { cfg.OutputDir = v })
	applyStringEnv("CACHE", func(v string) { cfg.CacheFile = v })
	applyStringEnv("TEMPLATES", func(v string) { cfg.TemplatesDir = v })
	applyStringEnv("ASSETS", func(v string) { cfg.AssetsDir = v })
	applyStringEnv("HOST", func(v string) { cfg.Host = v })
	applyIntEnv("PORT", func(v int) { cfg.Port = v })
	applyIntEnv("CONCURRENCY", func(v int) { cfg.Concurrency = v })
	applyIntEnv("ASSET_CONCURRENCY", func(v int) { cfg.AssetConcurrency = v })
	applyDurationEnv("DEBOUNCE", func(v time.Duration) { cfg.Debounce = v })
	applyDurationEnv("CSS_DEBOUNCE", func(v time.Duration) { cfg.CSSDebounce = v })
	applyRawEnv("COMPILE_CMD", func(v string) { cfg.CompileCommand = v })
	applyListEnv("COMPILE_SRC", func(v []string) { cfg.CompileSources = v })
	applyListEnv("COMPILE_EXT", func(v []string) { cfg.CompileExts = v })
	applyStringEnv("COMPILE_OUT", func(v string) { cfg.CompileOutput = v })
	applyDurationEnv("COMPILE_TIMEOUT", func(v time.Duration) { cfg.CompileTimeout = v })
	applyStringEnv("CSS_CMD", func(v string) { cfg.CSSCommand = v })
	applyStringEnv("CSS_INPUT", func(v string) { cfg.CSSInput = v })
	applyDurationEnv("CSS_TIMEOUT", func(v time.Duration) { cfg.CSSTimeout = v })
	applyStringEnv("TITLE", func(v string) { cfg.SiteTitle = v })
	applyStringEnv("BASE_URL", func(v string) { cfg.BaseURL = v })
	applyBoolEnv("WATCH", func(v bool) { cfg.Watch = v })
	applyBoolEnv("PRODUCTION", func(v bool) { cfg.Production = v })
	applyBoolEnv("VERBOSE", func(v bool) { cfg.Verbose = v })
	applyBoolEnv("DEBUG", func(v bool) { cfg.Debug = v })
	applyBoolEnv("AUTO_OPEN", func(v bool) { cfg.AutoOpen = v })
	applyBoolEnv("METRICS", func(v bool) { cfg.Metrics = v })
}

func applyStringEnv(key string, apply func(string)) {
	if raw, ok := lookupNonEmpty(key); ok {
		apply(raw)
	}
}

// applyRawEnv applies a variable even when it is set to an empty value, so a
// command can be disabled from the environment.
func applyRawEnv(key string, apply func(string)) {
	if raw, ok := os.LookupEnv(envPrefix + key); ok {
		apply(strings.TrimSpace(raw))
	}
}

func applyIntEnv(key string, apply func(int)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.Atoi(raw); err == nil {
			apply(value)
		}
	}
}

func applyBoolEnv(key string, apply func(bool)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := strconv.ParseBool(raw); err == nil {
			apply(value)
		}
	}
}

func applyDurationEnv(key string, apply func(time.Duration)) {
	if raw, ok := lookupNonEmpty(key); ok {
		if value, err := time.ParseDuration(raw); err == nil {
			apply(value)
		}
	}
}

func applyListEnv(key string, apply func([]string)) {
	raw, ok := lookupNonEmpty(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	apply(out)
}

func lookupNonEmpty(key string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	return value, true
}

// Finalize validates settings and resolves every path against RootDir.
func Finalize(cfg *Config) error {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return fmt.Errorf("resolve root directory: %w", err)
	}
	cfg.RootDir = root

	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency: %d", cfg.Concurrency)
	}
	if cfg.AssetConcurrency < 1 {
		return fmt.Errorf("invalid asset concurrency: %d", cfg.AssetConcurrency)
	}
	if cfg.Debounce <= 0 || cfg.CSSDebounce <= 0 {
		return errors.New("debounce windows must be positive")
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = toolchain.DefaultTimeout
	}
	if cfg.CSSTimeout <= 0 {
		cfg.CSSTimeout = toolchain.DefaultTimeout
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "dist"
	}
	if cfg.CleanAll {
		cfg.Clean = true
	}

	cfg.ArticlesDir = cfg.resolve(cfg.ArticlesDir)
	cfg.ProjectsDir = cfg.resolve(cfg.ProjectsDir)
	cfg.OutputDir = cfg.resolve(cfg.OutputDir)
	cfg.TemplatesDir = cfg.resolve(cfg.TemplatesDir)
	cfg.AssetsDir = cfg.resolve(cfg.AssetsDir)
	cfg.CompileOutput = cfg.resolve(cfg.CompileOutput)
	cfg.CSSInput = cfg.resolve(cfg.CSSInput)
	if cfg.CacheFile == "" {
		cfg.CacheFile = filepath.Join(cfg.OutputDir, ".cache", "site-cache.json")
	}
	cfg.CacheFile = cfg.resolve(cfg.CacheFile)
	for i, dir := range cfg.CompileSources {
		cfg.CompileSources[i] = cfg.resolve(dir)
	}

	// The default compiler only applies to projects that carry its manifest.
	if cfg.CompileCommand == defaultCompileCommand && !hasSpagoManifest(root) {
		cfg.CompileCommand = ""
	}
	if _, err := toolchain.ParseCommand(cfg.CompileCommand); err != nil {
		return fmt.Errorf("compile command: %w", err)
	}
	if _, err := toolchain.ParseCommand(cfg.CSSCommandLine()); err != nil {
		return fmt.Errorf("css command: %w", err)
	}
	return nil
}

func (c Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.RootDir, path)
}

// CSSOutput is the compiled stylesheet location inside the output tree.
func (c Config) CSSOutput() string {
	return filepath.Join(c.OutputDir, "assets", "css", "styles.css")
}

// CSSCommandLine returns the stylesheet build command. Without an explicit
// command, tailwindcss is used when the entry point exists.
func (c Config) CSSCommandLine() string {
	if c.CSSCommand != "" {
		return c.CSSCommand
	}
	if c.CSSInput == "" {
		return ""
	}
	if _, err := os.Stat(c.CSSInput); err != nil {
		return ""
	}
	line := "tailwindcss -i " + strconv.Quote(c.CSSInput) + " -o " + strconv.Quote(c.CSSOutput())
	if c.Production {
		line += " --minify"
	}
	return line
}

// CompileStep builds the upstream compile step.
func (c Config) CompileStep() toolchain.Step {
	cmd, _ := toolchain.ParseCommand(c.CompileCommand)
	return toolchain.Step{Name: "compile", Dir: c.RootDir, Command: cmd, Timeout: c.CompileTimeout}
}

// CSSStep builds the stylesheet step.
func (c Config) CSSStep() toolchain.Step {
	cmd, _ := toolchain.ParseCommand(c.CSSCommandLine())
	var env []string
	if c.Production {
		env = append(env, "NODE_ENV=production")
	}
	return toolchain.Step{Name: "css", Dir: c.RootDir, Command: cmd, Env: env, Timeout: c.CSSTimeout}
}

func hasSpagoManifest(root string) bool {
	for _, name := range []string{"spago.yaml", "spago.dhall"} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
	}
	return false
}
