package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// HTTPMiddleware records request counts, latency and error classes for the
// admin API. Routes are labelled by their chi pattern.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r, status)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

		if class := errorClass(status); class != "" {
			m.APIErrorsTotal.WithLabelValues(class).Inc()
		}
	})
}

// routeLabel returns the matched chi pattern. Unmatched paths collapse into
// one label; outside a router, IDs are masked.
func routeLabel(r *http.Request, status int) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
		if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
			return "unmatched"
		}
	}

	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if uuid.Validate(part) == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// errorClass maps a response status to the error label. Empty means success.
func errorClass(status int) string {
	switch {
	case status < 400:
		return ""
	case status == http.StatusBadGateway:
		return "providers_failed"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status >= 500:
		return "server_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusUnprocessableEntity:
		return "precondition"
	case status == http.StatusRequestEntityTooLarge:
		return "too_large"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "bad_request"
	}
}
