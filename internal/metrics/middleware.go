package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath groups paths to avoid high-cardinality labels.
// Session names and message IDs collapse to a placeholder segment.
func normalizePath(path string) string {
	switch path {
	case "/metrics", "/healthz", "/ws":
		return path
	}
	if strings.HasPrefix(path, "/api/sessions/") {
		rest := strings.TrimPrefix(path, "/api/sessions/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/api/sessions/{name}/" + rest[i+1:]
		}
		return "/api/sessions/{name}"
	}
	if strings.HasPrefix(path, "/api/preferences/") {
		return "/api/preferences/{key}"
	}
	if strings.HasPrefix(path, "/api/") {
		return path
	}
	// Everything else (frontend assets, etc.) is grouped.
	return "/static"
}
