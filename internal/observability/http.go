package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// traceHeader carries the request trace ID end to end; error envelopes
// echo the same ID so a failed turn can be matched to its log lines.
const traceHeader = "X-Trace-ID"

// TraceMiddleware tags every request with a trace ID, minting one when
// the caller did not send one, and reflects it on the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), traceID)))
	})
}

// LoggingMiddleware writes one line per request. The route label keeps
// session IDs out of the aggregation key; the raw path stays alongside
// for debugging a single conversation.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			meter := &responseMeter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(meter, r)
			logger.InfoContext(r.Context(), "http_request",
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", RouteLabel(r.URL.Path)),
				slog.String("path", r.URL.Path),
				slog.Int("status", meter.status),
				slog.Int("bytes", meter.bytes),
				slog.String("duration", time.Since(started).String()),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// MetricsMiddleware records request counts and latency per route
// template, so metric cardinality stays flat as sessions come and go.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		meter := &responseMeter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(meter, r)

		route := RouteLabel(r.URL.Path)
		status := strconv.Itoa(meter.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(time.Since(started).Seconds())
	})
}

// RouteLabel collapses a request path onto its mux pattern. The
// sessions routes are the only ones carrying a dynamic segment.
func RouteLabel(path string) string {
	if strings.HasPrefix(path, "/v1/sessions/") {
		return "/v1/sessions/{id}"
	}
	return path
}

// responseMeter captures status and body size for the logging and
// metrics middlewares.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(status int) {
	m.status = status
	m.ResponseWriter.WriteHeader(status)
}

func (m *responseMeter) Write(body []byte) (int, error) {
	n, err := m.ResponseWriter.Write(body)
	m.bytes += n
	return n, err
}
