package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRoutePattern(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/campaigns/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	r.Post("/api/v1/campaigns/{id}/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, path := range []string{
		"/api/v1/campaigns/0b6f1e8a-4c1d-4a8e-9f3b-2d6c7e8f9a01/stats",
		"/api/v1/campaigns/6a1c2b3d-0000-4000-8000-000000000001/stats",
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/campaigns/c1/send", nil))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/no/such/route", nil))

	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}/stats", "200")); got != 2 {
		t.Errorf("stats requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("conflict")); got != 1 {
		t.Errorf("conflict errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched requests = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/campaigns/c1/send", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestRouteLabelWithoutRouter(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/campaigns/550e8400-e29b-41d4-a716-446655440000/stats", "/api/v1/campaigns/{id}/stats"},
		{"/api/v1/providers/not-a-uuid/test", "/api/v1/providers/not-a-uuid/test"},
		{"/health", "/health"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if got := routeLabel(req, http.StatusOK); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, ""},
		{202, ""},
		{400, "bad_request"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{409, "conflict"},
		{413, "too_large"},
		{422, "precondition"},
		{429, "rate_limited"},
		{500, "server_error"},
		{502, "providers_failed"},
		{503, "unavailable"},
	}

	for _, tt := range tests {
		if got := errorClass(tt.status); got != tt.want {
			t.Errorf("errorClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
