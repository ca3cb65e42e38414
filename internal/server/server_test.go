package server

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/euforicio/sitemd/internal/content"
	"github.com/euforicio/sitemd/internal/livereload"
	"github.com/euforicio/sitemd/internal/metrics"
	"github.com/euforicio/sitemd/internal/search"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.html":                 "<h1>home</h1>",
		"404.html":                   "<h1>lost</h1>",
		"about.html":                 "<h1>about</h1>",
		"articles/hello/index.html":  "<h1>hello</h1>",
		"assets/css/styles.css":      "body{}",
		"assets/images/logo.svg":     "<svg></svg>",
		"articles/empty/placeholder": "x",
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = writeSite(t)
	}
	opts.Logger = quietLogger()
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func get(srv http.Handler, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestSiteRoutes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})

	tests := []struct {
		name     string
		target   string
		status   int
		contains string
		location string
	}{
		{name: "index", target: "/", status: http.StatusOK, contains: "home"},
		{name: "article directory", target: "/articles/hello/", status: http.StatusOK, contains: "hello"},
		{name: "article without slash", target: "/articles/hello", status: http.StatusMovedPermanently, location: "/articles/hello/"},
		{name: "clean url", target: "/about", status: http.StatusOK, contains: "about"},
		{name: "asset", target: "/assets/images/logo.svg", status: http.StatusOK, contains: "<svg>"},
		{name: "missing", target: "/nope", status: http.StatusNotFound, contains: "lost"},
		{name: "directory without index", target: "/articles/empty/", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(srv, tt.target)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Fatalf("expected body to contain %q, got %q", tt.contains, rec.Body.String())
			}
			if tt.location != "" && rec.Header().Get("Location") != tt.location {
				t.Fatalf("expected redirect to %q, got %q", tt.location, rec.Header().Get("Location"))
			}
		})
	}
}

func TestStylesheetCachePolicy(t *testing.T) {
	t.Parallel()
	dir := writeSite(t)

	dev := newTestServer(t, Options{Dir: dir})
	if got := get(dev, "/assets/css/styles.css").Header().Get("Cache-Control"); !strings.Contains(got, "no-cache") {
		t.Fatalf("expected no-cache stylesheet in development, got %q", got)
	}

	prod := newTestServer(t, Options{Dir: dir, Production: true})
	if got := get(prod, "/assets/css/styles.css").Header().Get("Cache-Control"); got != "" {
		t.Fatalf("expected default caching in production, got %q", got)
	}
	if got := get(prod, "/").Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("expected html to revalidate, got %q", got)
	}
}

func TestLiveReloadScriptAndHealth(t *testing.T) {
	t.Parallel()
	hub := livereload.NewHub(quietLogger(), livereload.Options{})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, Options{Hub: hub})

	rec := get(srv, "/__livereload.js")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "EventSource") {
		t.Fatalf("unexpected script response %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/javascript") {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = get(srv, "/healthz")
	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Clients != 0 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	rec.IncCoalescedRebuild()
	srv := newTestServer(t, Options{Metrics: metrics.HTTPHandler(reg)})

	res := get(srv, "/metrics")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "sitemd_coalesced_rebuilds_total") {
		t.Fatalf("unexpected metrics response %d:\n%s", res.Code, res.Body.String())
	}

	if got := get(newTestServer(t, Options{}), "/metrics").Code; got != http.StatusNotFound {
		t.Fatalf("expected /metrics to be absent without a handler, got %d", got)
	}
}

func TestSearchRoute(t *testing.T) {
	t.Parallel()
	dir := writeSite(t)
	srv := newTestServer(t, Options{Dir: dir})

	if got := get(srv, "/api/search?q=hello").Code; got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the index exists, got %d", got)
	}

	raw, err := search.Encode(search.Build([]content.Item{
		{Key: "hello", Kind: content.KindArticle, Title: "Hello World"},
		{Key: "other", Kind: content.KindProject, Title: "Other"},
	}, func(key string) string { return "/articles/" + key + "/" }))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, search.FileName), raw, 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	if got := get(srv, "/api/search").Code; got != http.StatusBadRequest {
		t.Fatalf("expected 400 without a query, got %d", got)
	}
	rec := get(srv, "/api/search?q=world")
	var body struct {
		Count   int            `json:"count"`
		Results []search.Entry `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || body.Count != 1 || body.Results[0].URL != "/articles/hello/" {
		t.Fatalf("unexpected search response %d %s", rec.Code, rec.Body.String())
	}
}

func TestGzipResponses(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{})
	rec := get(srv, "/", "Accept-Encoding", "gzip")
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, got headers %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if !strings.Contains(string(body), "home") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestLoggingMiddlewareLevels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		path    string
		status  int
		verbose bool
		want    string
	}{
		{name: "health quiet", path: "/healthz", status: http.StatusOK},
		{name: "events quiet when verbose", path: "/events", status: http.StatusOK, verbose: true},
		{name: "page quiet", path: "/articles/hello/", status: http.StatusOK},
		{name: "page verbose", path: "/articles/hello/", status: http.StatusOK, verbose: true, want: `level=INFO msg="http request"`},
		{name: "missing asset", path: "/assets/img/gone.png", status: http.StatusNotFound, want: `level=WARN msg="missing page or asset"`},
		{name: "missing favicon quiet", path: "/favicon.ico", status: http.StatusNotFound},
		{name: "health failure", path: "/healthz", status: http.StatusInternalServerError, want: `level=ERROR msg="http request failed"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			h := loggingMiddleware(logger, tt.verbose)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			got := buf.String()
			if tt.want == "" {
				if got != "" {
					t.Fatalf("expected no log line, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) || !strings.Contains(got, "bytes_out=4") {
				t.Fatalf("expected %q with bytes_out, got %q", tt.want, got)
			}
		})
	}
}

func TestGzipSkipsCompressedAssets(t *testing.T) {
	t.Parallel()
	dir := writeSite(t)
	png := filepath.Join(dir, "assets", "images", "pixel.png")
	if err := os.WriteFile(png, []byte("\x89PNG"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv := newTestServer(t, Options{Dir: dir})
	rec := get(srv, "/assets/images/pixel.png", "Accept-Encoding", "gzip")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Encoding") != "" {
		t.Fatalf("expected uncompressed image, got %d %v", rec.Code, rec.Header())
	}
}

func TestEventsStreamThroughMiddleware(t *testing.T) {
	t.Parallel()
	hub := livereload.NewHub(quietLogger(), livereload.Options{})
	t.Cleanup(hub.Close)
	srv := newTestServer(t, Options{Hub: hub, Verbose: true})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("event stream must not be compressed")
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": ready") {
		t.Fatalf("expected ready comment, got %q err=%v", line, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.Notify("", "build-1")

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	if !strings.Contains(line, `"buildId":"build-1"`) || !strings.Contains(line, `"type":"reload"`) {
		t.Fatalf("unexpected event %q", line)
	}
}

func TestListenFallsBackToNextPort(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	ln, port, err := listen("127.0.0.1", taken, DefaultPortAttempts)
	if err != nil {
		t.Skipf("no free fallback port near %d: %v", taken, err)
	}
	defer ln.Close()
	if port <= taken || port >= taken+DefaultPortAttempts {
		t.Fatalf("expected fallback port after %d, got %d", taken, port)
	}

	if _, _, err := listen("127.0.0.1", taken, 1); err == nil {
		t.Fatalf("expected error when the only candidate port is busy")
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Options{Host: "127.0.0.1"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without a site directory")
	}
}
