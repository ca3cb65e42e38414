package server

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

// middleware is a function that wraps an http.Handler.
type middleware func(http.Handler) http.Handler

// chain applies multiple middleware in order.
func chain(h http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// recoveryMiddleware recovers from panics and returns a 500 error.
func recoveryMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						slog.Any("err", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// precompressed lists generated asset types that gain nothing from gzip.
var precompressed = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {}, ".avif": {},
	".woff": {}, ".woff2": {}, ".zip": {}, ".gz": {}, ".mp4": {},
}

// gzipMiddleware compresses responses if the client accepts gzip encoding.
// Live reload streams and already compressed assets pass through untouched.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") ||
			strings.Contains(r.Header.Get("Accept"), "text/event-stream") ||
			r.URL.Path == eventsPath {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := precompressed[strings.ToLower(path.Ext(r.URL.Path))]; ok {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzip.NewWriter(w)
		defer func() {
			if err := gz.Close(); err != nil {
				slog.Error("failed to close gzip writer", slog.Any("err", err))
			}
		}()

		gzw := &gzipResponseWriter{
			ResponseWriter: w,
			Writer:         gz,
		}

		next.ServeHTTP(gzw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	Writer        io.Writer
	headerWritten bool
}

func (w *gzipResponseWriter) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush implements http.Flusher.
func (w *gzipResponseWriter) Flush() {
	if f, ok := w.Writer.(*gzip.Writer); ok {
		if err := f.Flush(); err != nil {
			slog.Error("failed to flush gzip writer", slog.Any("err", err))
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// quietPaths are polled by the browser or tooling and only logged on failure.
var quietPaths = map[string]struct{}{
	eventsPath:     {},
	healthPath:     {},
	liveReloadPath: {},
	"/favicon.ico": {},
	"/metrics":     {},
}

// loggingMiddleware logs HTTP requests with slog. Server errors are always
// logged. A 404 for anything but a quiet path usually means the generated site
// links a page or asset that was never written, so it is logged as a warning
// even when verbose is off. Other requests are logged only when verbose.
func loggingMiddleware(logger *slog.Logger, verbose bool) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			level, msg, ok := requestLevel(r.URL.Path, sw.status, verbose)
			if !ok {
				return
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.Int("status", sw.status),
				slog.Int64("bytes_out", sw.bytes),
				slog.Duration("latency", time.Since(start)),
				slog.String("remote_ip", r.RemoteAddr),
			}
			if ref := r.Referer(); ref != "" && sw.status == http.StatusNotFound {
				attrs = append(attrs, slog.String("referer", ref))
			}
			logger.LogAttrs(r.Context(), level, msg, attrs...)
		})
	}
}

func requestLevel(urlPath string, status int, verbose bool) (slog.Level, string, bool) {
	_, quiet := quietPaths[urlPath]
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError, "http request failed", true
	case quiet:
		return 0, "", false
	case status == http.StatusNotFound:
		return slog.LevelWarn, "missing page or asset", true
	case verbose:
		return slog.LevelInfo, "http request", true
	default:
		return 0, "", false
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
