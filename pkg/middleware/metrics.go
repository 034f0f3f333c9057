package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
)

// Metrics records request count, latency and the in-flight gauge. Paths are
// normalised so session ids and file names do not become label values.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := NormalizePath(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// Flush lets file streams push bytes through the wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// NormalizePath replaces the variable segments of index routes with
// placeholders:
//
//	/api/v1/indexes/products/replication/sessions/3f2a.../files/seg_1.spdx
//	/api/v1/indexes/{index}/replication/sessions/{session}/files/{name}
func NormalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "api" || parts[2] != "indexes" {
		return path
	}
	parts[3] = "{index}"
	for i := 4; i < len(parts)-1; i++ {
		switch parts[i] {
		case "sessions":
			parts[i+1] = "{session}"
		case "files":
			parts[i+1] = "{name}"
		case "backups":
			parts[i+1] = "{backup}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
