package server

import (
	"net/http"
	"strings"
	"time"
)

type metricsRecorder struct {
	http.ResponseWriter
	status int
}

func (r *metricsRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &metricsRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, routeLabel(r.URL.Path), status, time.Since(start))
	})
}

// routeLabel replaces ids with {id} to keep label cardinality bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" {
		switch path {
		case "/healthz", "/metrics", "/api/ask", "/api/documents":
			return path
		}
		return "other"
	}
	switch parts[1] {
	case "documents", "jobs":
		parts[2] = "{id}"
		if len(parts) > 4 {
			return "other"
		}
		return "/" + strings.Join(parts, "/")
	}
	return "other"
}
