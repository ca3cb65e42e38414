// Package main provides a read-only view of the sitemd build cache.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/euforicio/sitemd/internal/buildcache"
	"github.com/euforicio/sitemd/internal/buildinfo"
	"github.com/euforicio/sitemd/internal/config"
	"github.com/euforicio/sitemd/internal/fsstore"
)

type entryJSON struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	BuiltAt     string `json:"builtAt,omitempty"`
}

type reportJSON struct {
	Path      string      `json:"path"`
	Valid     bool        `json:"valid"`
	LastBuild string      `json:"lastBuild,omitempty"`
	Index     string      `json:"indexFingerprint,omitempty"`
	Entries   []entryJSON `json:"entries"`
}

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("sitemd-cache", pflag.ExitOnError)
	flags.StringVarP(&cfg.RootDir, "root", "r", cfg.RootDir, "project root directory")
	flags.StringVarP(&cfg.OutputDir, "out", "o", cfg.OutputDir, "output directory holding the cache")
	flags.StringVar(&cfg.CacheFile, "cache", cfg.CacheFile, "build cache file (default <out>/.cache/site-cache.json)")
	asJSON := flags.Bool("json", false, "print the cache as JSON")
	verbose := flags.BoolP("verbose", "v", false, "log cache loading details")
	versionFlag := flags.Bool("version", false, "Print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("flag parsing failed", slog.Any("err", err))
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

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	store, err := buildcache.NewStore(fsstore.NewLocal(logger), cfg.CacheFile, logger)
	if err != nil {
		logger.Error("open cache", slog.Any("err", err))
		os.Exit(1)
	}
	cache, valid := store.Load()

	if *asJSON {
		err = writeJSON(os.Stdout, store.Path(), cache, valid)
	} else {
		err = writeTable(os.Stdout, store.Path(), cache, valid)
	}
	if err != nil {
		logger.Error("write report", slog.Any("err", err))
		os.Exit(1)
	}
}

func writeJSON(w io.Writer, path string, cache *buildcache.Cache, valid bool) error {
	report := reportJSON{
		Path:    path,
		Valid:   valid,
		Index:   cache.IndexFingerprint(),
		Entries: []entryJSON{},
	}
	if last := cache.LastBuild(); !last.IsZero() {
		report.LastBuild = last.UTC().Format(time.RFC3339)
	}
	for _, e := range cache.Entries() {
		entry := entryJSON{Key: e.Key, Fingerprint: e.Fingerprint}
		if !e.BuiltAt.IsZero() {
			entry.BuiltAt = e.BuiltAt.UTC().Format(time.RFC3339)
		}
		report.Entries = append(report.Entries, entry)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func writeTable(w io.Writer, path string, cache *buildcache.Cache, valid bool) error {
	status := "ok"
	if !valid {
		status = "missing or unreadable"
	}
	last := "never"
	if t := cache.LastBuild(); !t.IsZero() {
		last = t.Local().Format(time.DateTime)
	}
	if _, err := fmt.Fprintf(w, "cache: %s (%s)\nlast build: %s\npages: %d\n\n", path, status, last, cache.Len()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "KEY\tBUILT\tFINGERPRINT"); err != nil {
		return err
	}
	for _, e := range cache.Entries() {
		built := "-"
		if !e.BuiltAt.IsZero() {
			built = e.BuiltAt.Local().Format(time.DateTime)
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, built, e.Fingerprint); err != nil {
			return err
		}
	}
	return tw.Flush()
}
