// Package server provides the development HTTP server that previews the
// generated site and pushes live reload notifications.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/euforicio/sitemd/internal/search"
	"github.com/euforicio/sitemd/static"
)

// DefaultPortAttempts is how many consecutive ports Start tries.
const DefaultPortAttempts = 5

const (
	healthPath     = "/healthz"
	liveReloadPath = "/__livereload.js"
	eventsPath     = "/events"
)

// ReloadHub is the live reload endpoint and its client count.
type ReloadHub interface {
	http.Handler
	Clients() int
}

// Options configure a Server.
type Options struct {
	// Dir is the generated site served at /.
	Dir  string
	Host string
	// Port is the first port tried; 0 picks a free port.
	Port         int
	PortAttempts int
	// Production disables the no-cache policy for stylesheets.
	Production bool
	Verbose    bool
	AutoOpen   bool
	Hub        ReloadHub
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server serves the output directory over HTTP.
type Server struct { //nolint:govet // field order favors logical grouping over padding optimizations
	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
	opts       Options
	url        string
}

// New constructs a Server and registers its routes.
func New(opts Options) (*Server, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("site directory must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PortAttempts < 1 {
		opts.PortAttempts = DefaultPortAttempts
	}
	s := &Server{
		mux:    http.NewServeMux(),
		logger: opts.Logger.With("component", "http"),
		opts:   opts,
	}
	s.registerRoutes()
	s.handler = chain(s.mux,
		recoveryMiddleware(s.logger),
		gzipMiddleware,
		loggingMiddleware(s.logger, opts.Verbose),
	)
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET "+healthPath, s.handleHealth)
	s.mux.HandleFunc("GET "+liveReloadPath, s.handleLiveReloadScript)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	if s.opts.Hub != nil {
		s.mux.Handle("GET "+eventsPath, s.opts.Hub)
	}
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
	s.mux.HandleFunc("GET /", s.handleSite)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// URL returns the address the server listens on once Start has bound a port.
func (s *Server) URL() string {
	return s.url
}

// Start binds the first free port among the configured attempts, serves until
// ctx is canceled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, port, err := listen(s.opts.Host, s.opts.Port, s.opts.PortAttempts)
	if err != nil {
		return err
	}
	if s.opts.Port != 0 && port != s.opts.Port {
		s.logger.Warn("port in use, using fallback", slog.Int("requested", s.opts.Port), slog.Int("port", port))
	}
	s.url = fmt.Sprintf("http://localhost:%d", port)

	// WriteTimeout stays unset: live reload streams are long-lived.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if _, err := fmt.Fprintf(os.Stdout, "sitemd server listening on %s\n", s.url); err != nil {
			s.logger.Warn("failed to announce server address", slog.String("url", s.url), slog.Any("err", err))
		}
		errCh <- s.httpServer.Serve(listener)
	}()

	if s.opts.AutoOpen {
		go s.openBrowserWhenReady(ctx, s.url)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.ErrorContext(ctx, "graceful shutdown failed", slog.Any("err", err))
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the server with the provided context timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// listen binds host:port, moving on to the next port while the address is in
// use. Port 0 binds an ephemeral port.
func listen(host string, port, attempts int) (net.Listener, int, error) {
	if port == 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port+i)))
		if err == nil {
			tcpAddr, ok := ln.Addr().(*net.TCPAddr)
			if !ok {
				_ = ln.Close()
				return nil, 0, errors.New("unexpected listener address type")
			}
			return ln, tcpAddr.Port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("listen on port %d: %w", port+i, err)
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d: %w", port, port+attempts-1, lastErr)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clients := 0
	if s.opts.Hub != nil {
		clients = s.opts.Hub.Clients()
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": clients})
}

func (s *Server) handleLiveReloadScript(w http.ResponseWriter, r *http.Request) {
	script, err := static.Read(static.LiveReloadScript)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "live reload script missing", slog.Any("err", err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(script); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write live reload script", slog.Any("err", err))
	}
}

// handleSearch answers queries against the search index of the last build.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse("query parameter 'q' is required"))
		return
	}

	raw, err := os.ReadFile(filepath.Join(s.opts.Dir, search.FileName)) //nolint:gosec // fixed file inside the output directory
	if err != nil {
		s.logger.WarnContext(ctx, "search index unavailable", slog.Any("err", err))
		respondJSON(w, http.StatusServiceUnavailable, errorResponse("search index not built"))
		return
	}
	idx, err := search.Decode(raw)
	if err != nil {
		s.logger.WarnContext(ctx, "search index unreadable", slog.Any("err", err))
		respondJSON(w, http.StatusInternalServerError, errorResponse("search index unreadable"))
		return
	}

	results := idx.Match(query)
	if results == nil {
		results = []search.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

// handleSite serves files from the output directory. Directory requests get
// their index.html and extensionless paths fall back to <path>.html.
func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clean := path.Clean("/" + r.URL.Path)
	if containsDotDot(r.URL.Path) {
		s.logger.WarnContext(ctx, "invalid path attempted", slog.String("path", r.URL.Path))
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	file, ok := s.resolve(clean)
	if !ok {
		s.notFound(w, r)
		return
	}
	if isDir(file) {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, clean+"/", http.StatusMovedPermanently)
			return
		}
		file = filepath.Join(file, "index.html")
	}

	s.setCacheHeaders(w, file)
	http.ServeFile(w, r, file)
}

func (s *Server) resolve(urlPath string) (string, bool) {
	base := filepath.Join(s.opts.Dir, filepath.FromSlash(urlPath))
	if isDir(base) {
		if fileExists(filepath.Join(base, "index.html")) {
			return base, true
		}
		return "", false
	}
	if fileExists(base) {
		return base, true
	}
	if path.Ext(urlPath) == "" && fileExists(base+".html") {
		return base + ".html", true
	}
	return "", false
}

func (s *Server) setCacheHeaders(w http.ResponseWriter, file string) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".html":
		w.Header().Set("Cache-Control", "no-cache")
	case ".css":
		if !s.opts.Production {
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		}
	}
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	page := filepath.Join(s.opts.Dir, "404.html")
	data, err := os.ReadFile(page) //nolint:gosec // fixed file inside the output directory
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if _, err := w.Write(data); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write not found page", slog.Any("err", err))
	}
}

func containsDotDot(v string) bool {
	for _, seg := range strings.Split(v, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *Server) openBrowserWhenReady(ctx context.Context, url string) {
	timer := time.NewTimer(300 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if err := openBrowser(ctx, url); err != nil {
			s.logger.WarnContext(ctx, "auto-open failed", slog.String("url", url), slog.Any("err", err))
		}
	}
}

func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}
