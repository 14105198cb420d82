package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// statusWriter records what a handler wrote for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Flush keeps SSE handlers working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type userLookupFunc func(*http.Request) schema.UserID

// withRequestLogging writes one access line per request. Server errors log at
// warn, client errors at info, health checks at debug. Event streams are
// logged when they close, with their lifetime as duration.
func withRequestLogging(next http.Handler, lookup userLookupFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		log := pslog.Ctx(r.Context()).With("remote", clientIP(r))
		if lookup != nil {
			if userID := lookup(r); userID != "" {
				log = log.With("user", userID)
			}
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if strings.HasPrefix(sw.Header().Get("Content-Type"), "text/event-stream") {
			fields = append(fields, "stream", true)
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Warn("http request failed", fields...)
		case r.URL.Path == "/healthz":
			log.Debug("http request ok", fields...)
		case status >= http.StatusBadRequest:
			log.Info("http request rejected", fields...)
		default:
			log.Info("http request ok", fields...)
		}
	})
}

// clientIP prefers the first X-Forwarded-For hop set by the fronting proxy.
func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
