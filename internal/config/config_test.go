package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/euforicio/sitemd/internal/config"
)

func TestFinalizeResolvesPathsAgainstRoot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cfg := config.Default()
	cfg.RootDir = root

	if err := config.Finalize(&cfg); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if cfg.OutputDir != filepath.Join(root, "dist") {
		t.Fatalf("unexpected output dir %q", cfg.OutputDir)
	}
	if cfg.ArticlesDir != filepath.Join(root, "src", "posts", "articles") {
		t.Fatalf("unexpected articles dir %q", cfg.ArticlesDir)
	}
	if cfg.CacheFile != filepath.Join(root, "dist", ".cache", "site-cache.json") {
		t.Fatalf("unexpected cache file %q", cfg.CacheFile)
	}
	if cfg.CompileSources[0] != filepath.Join(root, "src") {
		t.Fatalf("unexpected compile sources %v", cfg.CompileSources)
	}
	if cfg.CompileCommand != "" {
		t.Fatalf("default compile command must be disabled without a manifest, got %q", cfg.CompileCommand)
	}
	if cfg.CSSCommandLine() != "" || cfg.CSSStep().Enabled() {
		t.Fatalf("css step must be disabled without an entry point")
	}
}

func TestFinalizeKeepsCompilerWithManifest(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "spago.yaml"), []byte("package: {}\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cssInput := filepath.Join(root, "tailwind", "tailwind.css")
	if err := os.MkdirAll(filepath.Dir(cssInput), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cssInput, []byte("@tailwind base;"), 0o644); err != nil {
		t.Fatalf("write css: %v", err)
	}

	cfg := config.Default()
	cfg.RootDir = root
	cfg.Production = true
	if err := config.Finalize(&cfg); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	step := cfg.CompileStep()
	if strings.Join(step.Command, " ") != "spago build" || step.Dir != root {
		t.Fatalf("unexpected compile step %+v", step)
	}
	css := cfg.CSSStep()
	args := strings.Join(css.Command, " ")
	if !strings.HasPrefix(args, "tailwindcss -i "+cssInput) || !strings.HasSuffix(args, "--minify") {
		t.Fatalf("unexpected css command %q", args)
	}
	if len(css.Env) != 1 || css.Env[0] != "NODE_ENV=production" {
		t.Fatalf("unexpected css env %v", css.Env)
	}
}

func TestFinalizeValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "port", mutate: func(c *config.Config) { c.Port = 70000 }},
		{name: "concurrency", mutate: func(c *config.Config) { c.Concurrency = 0 }},
		{name: "asset concurrency", mutate: func(c *config.Config) { c.AssetConcurrency = -1 }},
		{name: "debounce", mutate: func(c *config.Config) { c.Debounce = 0 }},
		{name: "unbalanced quote", mutate: func(c *config.Config) { c.CSSCommand = `tailwindcss -i "broken` }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.RootDir = t.TempDir()
			tt.mutate(&cfg)
			if err := config.Finalize(&cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs, &cfg)
	err := fs.Parse([]string{
		"--watch", "--clean-all", "--port", "4000", "--debounce", "250ms",
		"--compile-ext", ".purs,.js", "--title", "Site",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Watch || !cfg.CleanAll || cfg.Port != 4000 || cfg.Debounce != 250*time.Millisecond || cfg.SiteTitle != "Site" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if len(cfg.CompileExts) != 2 || cfg.CompileExts[1] != ".js" {
		t.Fatalf("unexpected compile exts %v", cfg.CompileExts)
	}
	cfg.RootDir = t.TempDir()
	if err := config.Finalize(&cfg); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !cfg.Clean {
		t.Fatalf("clean-all must imply clean")
	}
}

// Environment tests mutate process state and do not run in parallel.
func TestEnvOverridesAndDotEnv(t *testing.T) {
	root := t.TempDir()
	dotenv := "SITEMD_PORT=4100\nSITEMD_TITLE=From dotenv\nSITEMD_DEBOUNCE=750ms\n"
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte(dotenv), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("SITEMD_TITLE", "From env")
	t.Setenv("SITEMD_COMPILE_SRC", "src, lib")
	t.Setenv("SITEMD_CONCURRENCY", "not-a-number")
	t.Setenv("SITEMD_COMPILE_CMD", "")
	t.Setenv("SITEMD_PORT", "")
	// Registers restoration of the variable the .env file is about to set.
	t.Setenv("SITEMD_DEBOUNCE", "")
	if err := os.Unsetenv("SITEMD_DEBOUNCE"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := config.LoadDotEnv(root); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	if cfg.SiteTitle != "From env" {
		t.Fatalf("existing env must win over .env, got %q", cfg.SiteTitle)
	}
	if cfg.Debounce != 750*time.Millisecond {
		t.Fatalf("expected debounce from .env, got %v", cfg.Debounce)
	}
	if cfg.Concurrency != 5 {
		t.Fatalf("invalid values must be ignored, got %d", cfg.Concurrency)
	}
	if len(cfg.CompileSources) != 2 || cfg.CompileSources[1] != "lib" {
		t.Fatalf("unexpected compile sources %v", cfg.CompileSources)
	}
	if cfg.CompileCommand != "" {
		t.Fatalf("empty env must disable the compile command, got %q", cfg.CompileCommand)
	}
	if cfg.Port != 3000 {
		t.Fatalf("blank port must keep the default, got %d", cfg.Port)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	t.Parallel()
	if err := config.LoadDotEnv(t.TempDir()); err != nil {
		t.Fatalf("missing .env must not fail: %v", err)
	}
}
