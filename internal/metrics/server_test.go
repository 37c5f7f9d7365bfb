package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/mailcast/internal/ipfilter"
)

func TestServerRoutes(t *testing.T) {
	m := New()
	m.MessagesSentTotal.WithLabelValues("primary").Inc()

	filter, err := ipfilter.New([]string{"127.0.0.0/8"}, false, nil)
	if err != nil {
		t.Fatalf("ipfilter.New() error = %v", err)
	}
	s := NewServer(m, ":0", "/metrics", filter, nil)

	tests := []struct {
		name     string
		path     string
		remote   string
		want     int
		contains string
	}{
		{name: "metrics allowed", path: "/metrics", remote: "127.0.0.1:4000", want: http.StatusOK, contains: "mailcast_messages_sent_total"},
		{name: "metrics denied", path: "/metrics", remote: "10.1.1.1:4000", want: http.StatusForbidden},
		{name: "health open", path: "/health", remote: "10.1.1.1:4000", want: http.StatusOK, contains: "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			body, _ := io.ReadAll(rec.Body)
			if tt.contains != "" && !strings.Contains(string(body), tt.contains) {
				t.Errorf("body does not contain %q", tt.contains)
			}
		})
	}
}
