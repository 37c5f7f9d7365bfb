package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailcast/internal/bounce"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/dispatch"
	"github.com/foxzi/mailcast/internal/ipfilter"
	"github.com/foxzi/mailcast/internal/jobs"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/orchestrator"
	"github.com/foxzi/mailcast/internal/repository"
	"github.com/foxzi/mailcast/internal/sandbox"
	"github.com/foxzi/mailcast/internal/selector"
	"github.com/foxzi/mailcast/internal/transport"
)

// mockProviders implements ProviderStore and Prober
type mockProviders struct {
	providers  []models.Provider
	defaultID  string
	probeFails map[string]bool
}

func (m *mockProviders) List(ctx context.Context, filter models.ProviderListFilter) ([]models.Provider, error) {
	var out []models.Provider
	for _, p := range m.providers {
		if filter.ActiveOnly && !p.Active {
			continue
		}
		if filter.Kind != "" && p.Kind != filter.Kind {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockProviders) GetByID(ctx context.Context, id string) (*models.Provider, error) {
	for i := range m.providers {
		if m.providers[i].ID == id {
			p := m.providers[i]
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockProviders) SetDefault(ctx context.Context, id string) error {
	if _, err := m.GetByID(ctx, id); err != nil {
		return err
	}
	m.defaultID = id
	return nil
}

func (m *mockProviders) TestConnection(ctx context.Context, p *models.Provider) transport.Probe {
	if m.probeFails[p.ID] {
		return transport.Probe{Message: "authentication failed", Category: "auth"}
	}
	return transport.Probe{Success: true, Message: "ok", Latency: time.Millisecond}
}

func (m *mockProviders) TestAll(ctx context.Context) ([]selector.ProbeResult, error) {
	active, _ := m.List(ctx, models.ProviderListFilter{ActiveOnly: true})
	results := make([]selector.ProbeResult, 0, len(active))
	for i := range active {
		results = append(results, selector.ProbeResult{
			ProviderID: active[i].ID,
			Name:       active[i].Name,
			Kind:       string(active[i].Kind),
			Probe:      m.TestConnection(ctx, &active[i]),
		})
	}
	return results, nil
}

// mockSender implements FallbackSender
type mockSender struct {
	err         error
	recipient   models.Recipient
	attachments []models.Attachment
}

func (m *mockSender) SendWithFallback(ctx context.Context, recipient models.Recipient, subject, html, text string, attachments []models.Attachment) (*dispatch.Result, error) {
	m.recipient, m.attachments = recipient, attachments
	if m.err != nil {
		return nil, m.err
	}
	return &dispatch.Result{
		EntryID:    "entry-1",
		TrackingID: "track-1",
		MessageID:  "<m1@mail.example.com>",
		Provider:   "primary",
		Success:    true,
	}, nil
}

// mockCampaigns implements CampaignReader and CampaignControl
type mockCampaigns struct {
	campaigns map[string]*models.Campaign
	checks    []bool
}

func (m *mockCampaigns) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (m *mockCampaigns) Check(ctx context.Context, id string, opts orchestrator.StartOptions, resume bool) error {
	m.checks = append(m.checks, resume)
	c, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if resume && c.Status != models.CampaignPaused {
		return &orchestrator.ConfigurationError{CampaignID: id, Reason: orchestrator.ErrWrongStatus}
	}
	if !resume && !c.Status.CanStart() {
		return &orchestrator.ConfigurationError{CampaignID: id, Reason: orchestrator.ErrWrongStatus}
	}
	if c.SegmentIDs == nil {
		return &orchestrator.ConfigurationError{CampaignID: id, Reason: orchestrator.ErrNoRecipients}
	}
	return nil
}

func (m *mockCampaigns) Pause(ctx context.Context, id string) error {
	c, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignSending {
		return &orchestrator.ConfigurationError{CampaignID: id, Reason: orchestrator.ErrWrongStatus}
	}
	c.Status = models.CampaignPaused
	return nil
}

func (m *mockCampaigns) Cancel(ctx context.Context, id string) error {
	c, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	c.Status = models.CampaignCancelled
	return nil
}

// mockJobs implements jobs.Enqueuer
type mockJobs struct {
	jobs []jobs.Job
	err  error
}

func (m *mockJobs) Enqueue(ctx context.Context, j jobs.Job) error {
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, j)
	return nil
}

// mockDeliveries implements DeliveryQuery
type mockDeliveries struct {
	entries []models.DeliveryLogEntry
	filter  models.DeliveryListFilter
}

func (m *mockDeliveries) List(ctx context.Context, filter models.DeliveryListFilter) ([]models.DeliveryLogEntry, int, error) {
	m.filter = filter
	return m.entries, len(m.entries), nil
}

func (m *mockDeliveries) CampaignStats(ctx context.Context, id string) (models.CampaignStats, error) {
	return models.CampaignStats{Total: 3, Sent: 2, Failed: 1}, nil
}

// mockEvents implements bounce.Processor
type mockEvents struct {
	known  map[string]bool
	events []bounce.Event
}

func (m *mockEvents) Process(ctx context.Context, ev bounce.Event) error {
	if !m.known[ev.MessageID] {
		return fmt.Errorf("%w: %s", bounce.ErrUnknownMessage, ev.MessageID)
	}
	m.events = append(m.events, ev)
	return nil
}

// mockSandbox implements SandboxStore
type mockSandbox struct {
	messages []*sandbox.Message
	cleared  time.Time
}

func (m *mockSandbox) List(ctx context.Context, filter sandbox.ListFilter) ([]*sandbox.Message, error) {
	var out []*sandbox.Message
	for _, msg := range m.messages {
		if filter.CampaignID != "" && msg.CampaignID != filter.CampaignID {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *mockSandbox) Get(ctx context.Context, id string) (*sandbox.Message, error) {
	for _, msg := range m.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, nil
}

func (m *mockSandbox) Clear(ctx context.Context, before time.Time) (int, error) {
	m.cleared = before
	n := len(m.messages)
	m.messages = nil
	return n, nil
}

func (m *mockSandbox) Stats(ctx context.Context) (*sandbox.Stats, error) {
	return &sandbox.Stats{Total: int64(len(m.messages))}, nil
}

type testEnv struct {
	server     *Server
	providers  *mockProviders
	sender     *mockSender
	campaigns  *mockCampaigns
	jobs       *mockJobs
	deliveries *mockDeliveries
	events     *mockEvents
	sandbox    *mockSandbox
}

func setupTestServer(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	env := &testEnv{
		providers: &mockProviders{providers: []models.Provider{
			{ID: "p1", Name: "primary", Kind: models.KindSMTP, Active: true, Password: "hunter2"},
			{ID: "p2", Name: "backup", Kind: models.KindSendGrid, Active: true, APIKey: "SG.secret"},
			{ID: "p3", Name: "retired", Kind: models.KindSMTP},
		}},
		sender: &mockSender{},
		campaigns: &mockCampaigns{campaigns: map[string]*models.Campaign{
			"draft":   {ID: "draft", Name: "Spring", Status: models.CampaignDraft, SegmentIDs: []string{"s1"}},
			"paused":  {ID: "paused", Name: "Summer", Status: models.CampaignPaused, SegmentIDs: []string{"s1"}},
			"sending": {ID: "sending", Name: "Autumn", Status: models.CampaignSending, SegmentIDs: []string{"s1"}},
			"empty":   {ID: "empty", Name: "Winter", Status: models.CampaignDraft},
		}},
		jobs:       &mockJobs{},
		deliveries: &mockDeliveries{},
		events:     &mockEvents{known: map[string]bool{"<known@example.com>": true}},
		sandbox:    &mockSandbox{},
	}

	cfg := &config.APIConfig{
		ListenAddr:   ":8080",
		APIKey:       apiKey,
		MaxBodyBytes: 1 << 20,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.server = NewServer(Deps{
		Providers:  env.providers,
		Prober:     env.providers,
		Sender:     env.sender,
		Campaigns:  env.campaigns,
		Control:    env.campaigns,
		Jobs:       env.jobs,
		Deliveries: env.deliveries,
		Events:     env.events,
		Sandbox:    env.sandbox,
		Version:    "test",
	}, cfg, nil, logger)
	return env
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, "test-key")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ActiveProviders != 2 {
		t.Errorf("ActiveProviders = %d, want 2", resp.ActiveProviders)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestServer(t, "secret-key")

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"correct key", "Authorization", "Bearer secret-key", http.StatusOK},
		{"x-api-key header", "X-API-Key", "secret-key", http.StatusOK},
		{"lowercase scheme", "Authorization", "bearer secret-key", http.StatusOK},
		{"basic scheme", "Authorization", "Basic secret-key", http.StatusUnauthorized},
		{"key prefix", "X-API-Key", "secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/providers", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()

			env.server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	env := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/v1/providers", nil)
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d (no auth required)", w.Code, http.StatusOK)
	}
}

func TestIPFilter(t *testing.T) {
	env := setupTestServer(t, "test-key")
	filter, err := ipfilter.New([]string{"10.0.0.0/8"}, false, nil)
	if err != nil {
		t.Fatalf("ipfilter.New() error = %v", err)
	}
	env.server = NewServer(env.server.deps, env.server.config, filter, nil)

	tests := []struct {
		name   string
		remote string
		xff    string
		want   int
	}{
		{"allowed network", "10.1.2.3:4000", "", http.StatusOK},
		{"outside network", "192.0.2.1:4000", "", http.StatusForbidden},
		{"forwarded header ignored", "192.0.2.1:4000", "10.1.2.3", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/providers", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			req.Header.Set("Authorization", "Bearer test-key")
			w := httptest.NewRecorder()
			env.server.router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// Health stays reachable for probes
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	w := httptest.NewRecorder()
	env.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health Status = %d, want 200", w.Code)
	}
}

func TestListProviders(t *testing.T) {
	env := setupTestServer(t, "test-key")

	w := env.do("GET", "/api/v1/providers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if strings.Contains(w.Body.String(), "hunter2") || strings.Contains(w.Body.String(), "SG.secret") {
		t.Error("provider secrets leaked in response")
	}

	var resp ProviderListResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Providers) != 3 {
		t.Errorf("Providers = %d, want 3", len(resp.Providers))
	}

	w = env.do("GET", "/api/v1/providers?active=true&kind=smtp", "")
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Providers) != 1 || resp.Providers[0].ID != "p1" {
		t.Errorf("filtered Providers = %+v", resp.Providers)
	}

	if w := env.do("GET", "/api/v1/providers?kind=pigeon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown kind Status = %d, want 400", w.Code)
	}
}

func TestProviderEndpoints(t *testing.T) {
	env := setupTestServer(t, "test-key")
	env.providers.probeFails = map[string]bool{"p2": true}

	w := env.do("POST", "/api/v1/providers/p1/test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("test Status = %d, want 200", w.Code)
	}
	var probe ProbeResponse
	json.NewDecoder(w.Body).Decode(&probe)
	if !probe.Probe.Success || probe.Name != "primary" {
		t.Errorf("probe = %+v", probe)
	}

	if w := env.do("POST", "/api/v1/providers/nope/test", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing provider Status = %d, want 404", w.Code)
	}

	w = env.do("POST", "/api/v1/providers/test", "")
	var all ProbeAllResponse
	json.NewDecoder(w.Body).Decode(&all)
	if all.Passed != 1 || all.Failed != 1 || len(all.Results) != 2 {
		t.Errorf("test all = %+v", all)
	}

	if w := env.do("POST", "/api/v1/providers/p2/default", ""); w.Code != http.StatusOK {
		t.Errorf("set default Status = %d, want 200", w.Code)
	}
	if env.providers.defaultID != "p2" {
		t.Errorf("defaultID = %q, want p2", env.providers.defaultID)
	}
	if w := env.do("POST", "/api/v1/providers/nope/default", ""); w.Code != http.StatusNotFound {
		t.Errorf("set default missing Status = %d, want 404", w.Code)
	}
}

func TestSendEndpoint(t *testing.T) {
	env := setupTestServer(t, "test-key")

	content := base64.StdEncoding.EncodeToString([]byte("hello"))
	body := `{
		"to": "ada@example.com",
		"name": "Ada Lovelace",
		"subject": "Hi {recipient.first_name}",
		"html": "<p>Hello</p>",
		"attachments": [{"filename": "a.txt", "content_type": "text/plain", "content": "` + content + `"}]
	}`

	w := env.do("POST", "/api/v1/send", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}

	var resp SendResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Provider != "primary" || resp.Status != "sent" || resp.EntryID == "" {
		t.Errorf("resp = %+v", resp)
	}
	if env.sender.recipient.Name != "Ada Lovelace" {
		t.Errorf("recipient = %+v", env.sender.recipient)
	}
	if len(env.sender.attachments) != 1 || string(env.sender.attachments[0].Content) != "hello" {
		t.Errorf("attachments = %+v", env.sender.attachments)
	}
}

func TestSendEndpointValidation(t *testing.T) {
	env := setupTestServer(t, "test-key")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing to", `{"subject":"Test","text":"x"}`, http.StatusBadRequest},
		{"bad address", `{"to":"not an address","subject":"Test","text":"x"}`, http.StatusBadRequest},
		{"missing subject", `{"to":"a@b.com","text":"x"}`, http.StatusBadRequest},
		{"missing content", `{"to":"a@b.com","subject":"Test"}`, http.StatusBadRequest},
		{"attachment without name", `{"to":"a@b.com","subject":"T","text":"x","attachments":[{"content":""}]}`, http.StatusBadRequest},
		{"invalid json", `{invalid}`, http.StatusBadRequest},
		{"too large", `{"to":"a@b.com","subject":"T","text":"` + strings.Repeat("x", 2<<20) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do("POST", "/api/v1/send", tt.body); w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSendEndpointAllProvidersFailed(t *testing.T) {
	env := setupTestServer(t, "test-key")
	env.sender.err = &dispatch.FallbackError{Attempts: []dispatch.AttemptError{
		{Provider: "primary", Err: errors.New("connection refused")},
		{Provider: "backup", Err: errors.New("api_error:503")},
	}}

	w := env.do("POST", "/api/v1/send", `{"to":"a@b.com","subject":"T","text":"x"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want 502", w.Code)
	}

	var resp SendFailedResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Attempts) != 2 || resp.Attempts[1].Provider != "backup" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCampaignRunEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		want     int
		wantKind jobs.Kind
	}{
		{"start draft", "/api/v1/campaigns/draft/send", "", http.StatusAccepted, jobs.KindStartSend},
		{"start pinned", "/api/v1/campaigns/draft/send", `{"provider_id":"p2"}`, http.StatusAccepted, jobs.KindStartSend},
		{"resume paused", "/api/v1/campaigns/paused/resume", "", http.StatusAccepted, jobs.KindResume},
		{"start sending", "/api/v1/campaigns/sending/send", "", http.StatusConflict, ""},
		{"resume draft", "/api/v1/campaigns/draft/resume", "", http.StatusConflict, ""},
		{"no recipients", "/api/v1/campaigns/empty/send", "", http.StatusUnprocessableEntity, ""},
		{"missing", "/api/v1/campaigns/nope/send", "", http.StatusNotFound, ""},
		{"bad body", "/api/v1/campaigns/draft/send", `{`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, "test-key")

			w := env.do("POST", tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}

			if tt.wantKind == "" {
				if len(env.jobs.jobs) != 0 {
					t.Errorf("jobs = %+v, want none", env.jobs.jobs)
				}
				return
			}
			if len(env.jobs.jobs) != 1 || env.jobs.jobs[0].Kind != tt.wantKind {
				t.Fatalf("jobs = %+v", env.jobs.jobs)
			}
			if tt.body != "" && env.jobs.jobs[0].ProviderID != "p2" {
				t.Errorf("ProviderID = %q, want p2", env.jobs.jobs[0].ProviderID)
			}
		})
	}
}

func TestCampaignRunEnqueueFailure(t *testing.T) {
	env := setupTestServer(t, "test-key")
	env.jobs.err = errors.New("broker down")

	if w := env.do("POST", "/api/v1/campaigns/draft/send", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}
}

func TestPauseCancelEndpoints(t *testing.T) {
	env := setupTestServer(t, "test-key")

	if w := env.do("POST", "/api/v1/campaigns/sending/pause", ""); w.Code != http.StatusOK {
		t.Errorf("pause Status = %d, want 200", w.Code)
	}
	if env.campaigns.campaigns["sending"].Status != models.CampaignPaused {
		t.Error("campaign not paused")
	}
	if w := env.do("POST", "/api/v1/campaigns/draft/pause", ""); w.Code != http.StatusConflict {
		t.Errorf("pause draft Status = %d, want 409", w.Code)
	}
	if w := env.do("POST", "/api/v1/campaigns/draft/cancel", ""); w.Code != http.StatusOK {
		t.Errorf("cancel Status = %d, want 200", w.Code)
	}
}

func TestCampaignStatsEndpoint(t *testing.T) {
	env := setupTestServer(t, "test-key")

	w := env.do("GET", "/api/v1/campaigns/draft/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp CampaignStatsResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Campaign == nil || resp.Campaign.Name != "Spring" || resp.Log.Sent != 2 {
		t.Errorf("resp = %+v", resp)
	}

	if w := env.do("GET", "/api/v1/campaigns/nope/stats", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing Status = %d, want 404", w.Code)
	}
}

func TestListDeliveries(t *testing.T) {
	env := setupTestServer(t, "test-key")
	env.deliveries.entries = []models.DeliveryLogEntry{{ID: "e1", Status: models.DeliveryFailed}}

	w := env.do("GET", "/api/v1/deliveries?campaign_id=c1&status=failed&limit=5000&offset=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	f := env.deliveries.filter
	if f.CampaignID != "c1" || f.Status != models.DeliveryFailed || f.Limit != 1000 || f.Offset != 10 {
		t.Errorf("filter = %+v", f)
	}

	var resp DeliveryListResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Total != 1 || len(resp.Entries) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	if w := env.do("GET", "/api/v1/deliveries?status=lost", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status Status = %d, want 400", w.Code)
	}
	if w := env.do("GET", "/api/v1/deliveries?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit Status = %d, want 400", w.Code)
	}
}

func TestEventEndpoint(t *testing.T) {
	env := setupTestServer(t, "test-key")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"delivered", `{"type":"delivered","message_id":"<known@example.com>"}`, http.StatusOK},
		{"unknown message", `{"type":"opened","message_id":"<other@example.com>"}`, http.StatusNotFound},
		{"bad type", `{"type":"read","message_id":"<known@example.com>"}`, http.StatusBadRequest},
		{"no identifier", `{"type":"clicked"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do("POST", "/api/v1/events", tt.body); w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if len(env.events.events) != 1 {
		t.Errorf("events applied = %d, want 1", len(env.events.events))
	}
}

const testDSN = "From: MAILER-DAEMON@mx.example.net\r\n" +
	"To: news@example.com\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Your message could not be delivered.\r\n" +
	"--b1\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Reporting-MTA: dns; mx.example.net\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; gone@example.org\r\n" +
	"Action: failed\r\n" +
	"Status: 5.1.1\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 user unknown\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/rfc822-headers\r\n" +
	"\r\n" +
	"Message-ID: <known@example.com>\r\n" +
	"--b1--\r\n"

func TestDSNEndpoint(t *testing.T) {
	env := setupTestServer(t, "test-key")

	w := env.do("POST", "/api/v1/events/dsn", testDSN)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var resp DSNResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Applied != 1 || resp.Unknown != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if len(env.events.events) != 1 || !env.events.events[0].Permanent {
		t.Errorf("events = %+v", env.events.events)
	}

	notDSN := "From: a@example.com\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	if w := env.do("POST", "/api/v1/events/dsn", notDSN); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("plain message Status = %d, want 422", w.Code)
	}
}

func TestSandboxEndpoints(t *testing.T) {
	env := setupTestServer(t, "test-key")
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	env.sandbox.messages = []*sandbox.Message{
		{ID: "s1", CampaignID: "c1", To: "a@example.com", Subject: "One", Data: []byte("Subject: One\r\n\r\nbody"), CapturedAt: now},
		{ID: "s2", CampaignID: "c2", To: "b@example.com", Subject: "Two", CapturedAt: now},
	}

	w := env.do("GET", "/api/v1/sandbox/messages?campaign_id=c1", "")
	var list SandboxListResponse
	json.NewDecoder(w.Body).Decode(&list)
	if list.Count != 1 || list.Messages[0].ID != "s1" || list.Messages[0].Size == 0 {
		t.Errorf("list = %+v", list)
	}

	w = env.do("GET", "/api/v1/sandbox/messages/s1/raw", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "message/rfc822" {
		t.Errorf("raw Status = %d, type %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(w.Body.String(), "Subject: One") {
		t.Errorf("raw body = %q", w.Body.String())
	}

	if w := env.do("GET", "/api/v1/sandbox/messages/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing Status = %d, want 404", w.Code)
	}

	if w := env.do("DELETE", "/api/v1/sandbox/messages?before=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad before Status = %d, want 400", w.Code)
	}
	w = env.do("DELETE", "/api/v1/sandbox/messages?before=2026-05-21T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Errorf("clear Status = %d, want 200", w.Code)
	}
	if !env.sandbox.cleared.Equal(time.Date(2026, 5, 21, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("cleared before = %v", env.sandbox.cleared)
	}
}

func TestSandboxUnavailable(t *testing.T) {
	env := setupTestServer(t, "test-key")
	deps := env.server.deps
	deps.Sandbox = nil
	env.server = NewServer(deps, env.server.config, nil, nil)

	if w := env.do("GET", "/api/v1/sandbox/stats", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", w.Code)
	}
}
