package selector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/mailcast/internal/db"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/ratelimit"
	"github.com/foxzi/mailcast/internal/repository"
	"github.com/foxzi/mailcast/internal/transport"
)

var testNow = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

type staticProviders []models.Provider

func (s staticProviders) ListActive(ctx context.Context) ([]models.Provider, error) {
	var out []models.Provider
	for _, p := range s {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// noSends reports an empty delivery log
type noSends struct{}

func (noSends) CountSentInWindow(ctx context.Context, providerID string, from, to time.Time) (int, error) {
	return 0, nil
}

type fakeSender struct {
	probe  transport.Probe
	delay  time.Duration
	probes *int32
}

func (f *fakeSender) Send(ctx context.Context, msg *transport.Message) (transport.Receipt, error) {
	return transport.Receipt{}, errors.New("not used")
}

func (f *fakeSender) Probe(ctx context.Context) transport.Probe {
	if f.probes != nil {
		atomic.AddInt32(f.probes, 1)
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return transport.Probe{Success: false, Message: ctx.Err().Error(), Category: "connect_failed"}
		case <-time.After(f.delay):
		}
	}
	return f.probe
}

type fakeSenders map[string]transport.Sender

func (f fakeSenders) For(p *models.Provider) (transport.Sender, error) {
	s, ok := f[p.Name]
	if !ok {
		return nil, errors.New("no transport")
	}
	return s, nil
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(-d)
	return &t
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		p    models.Provider
		want float64
	}{
		{"never used, nothing sent", models.Provider{}, 10},
		{"used just now", models.Provider{LastUsedAt: at(0), TotalSent: 10, TotalDelivered: 9}, 90},
		{"idle six hours", models.Provider{LastUsedAt: at(6 * time.Hour), TotalSent: 4, TotalDelivered: 2}, 52.5},
		{"idle for days saturates", models.Provider{LastUsedAt: at(72 * time.Hour), TotalSent: 1, TotalDelivered: 1}, 110},
		{"clock skew clamps at zero", models.Provider{LastUsedAt: at(-time.Hour)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(&tt.p, testNow); got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectBest(t *testing.T) {
	tests := []struct {
		name      string
		providers staticProviders
		wantName  string
		wantOK    bool
	}{
		{
			name:      "no providers",
			providers: nil,
			wantOK:    false,
		},
		{
			name: "all inactive",
			providers: staticProviders{
				{Name: "a", Active: false},
			},
			wantOK: false,
		},
		{
			name: "higher delivery rate wins",
			providers: staticProviders{
				{Name: "a", Active: true, TotalSent: 100, TotalDelivered: 80, LastUsedAt: at(0)},
				{Name: "b", Active: true, TotalSent: 100, TotalDelivered: 95, LastUsedAt: at(0)},
			},
			wantName: "b",
			wantOK:   true,
		},
		{
			name: "idle bonus beats small rate gap",
			providers: staticProviders{
				{Name: "busy", Active: true, TotalSent: 100, TotalDelivered: 95, LastUsedAt: at(0)},
				{Name: "idle", Active: true, TotalSent: 100, TotalDelivered: 90, LastUsedAt: at(24 * time.Hour)},
			},
			wantName: "idle",
			wantOK:   true,
		},
		{
			name: "ties broken by name",
			providers: staticProviders{
				{Name: "zulu", Active: true},
				{Name: "alpha", Active: true},
				{Name: "mike", Active: true},
			},
			wantName: "alpha",
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.providers, ratelimit.NewLimiter(noSends{}, nil), fakeSenders{}, Options{})

			got, ok, err := s.SelectBest(context.Background(), testNow)
			if err != nil {
				t.Fatalf("SelectBest() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("SelectBest() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Name != tt.wantName {
				t.Errorf("SelectBest() = %s, want %s", got.Name, tt.wantName)
			}
		})
	}
}

func TestSelectBestSkipsProviderAtDailyCap(t *testing.T) {
	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	providers := repository.NewProviderRepository(database.DB, nil)
	deliveries := repository.NewDeliveryRepository(database.DB)

	// "capped" would win the tie-break but has used its daily quota
	capped := &models.Provider{Name: "a-capped", Kind: models.KindSandbox, FromEmail: "a@example.com", Active: true,
		MaxPerDay: 2, MaxPerHour: 0, MaxPerSecond: 0}
	spare := &models.Provider{Name: "b-spare", Kind: models.KindSandbox, FromEmail: "b@example.com", Active: true,
		MaxPerDay: 2}
	for _, p := range []*models.Provider{capped, spare} {
		if err := providers.Create(ctx, p); err != nil {
			t.Fatalf("failed to create provider: %v", err)
		}
	}

	for i, sentAt := range []time.Time{testNow.Add(-3 * time.Hour), testNow.Add(-2 * time.Hour)} {
		e := &models.DeliveryLogEntry{Recipient: "r@example.org", ProviderID: capped.ID, Subject: "s"}
		if err := deliveries.CreatePending(ctx, e, sentAt); err != nil {
			t.Fatalf("CreatePending(%d) error = %v", i, err)
		}
		if err := deliveries.MarkSent(ctx, e.ID, "m", sentAt); err != nil {
			t.Fatalf("MarkSent(%d) error = %v", i, err)
		}
	}

	s := New(providers, ratelimit.NewLimiter(deliveries, nil), fakeSenders{}, Options{})

	got, ok, err := s.SelectBest(ctx, testNow)
	if err != nil || !ok {
		t.Fatalf("SelectBest() = %v, %v, %v", got, ok, err)
	}
	if got.Name != "b-spare" {
		t.Errorf("SelectBest() = %s, want b-spare", got.Name)
	}

	// Next UTC day the quota is fresh again and the tie-break applies
	got, ok, _ = s.SelectBest(ctx, time.Date(2026, 5, 21, 0, 0, 1, 0, time.UTC))
	if !ok || got.Name != "a-capped" {
		t.Errorf("SelectBest() next day = %v, want a-capped", got)
	}
}

func TestTestConnection(t *testing.T) {
	senders := fakeSenders{
		"ok":   &fakeSender{probe: transport.Probe{Success: true, Message: "fine"}},
		"slow": &fakeSender{delay: time.Minute, probe: transport.Probe{Success: true}},
	}
	s := New(staticProviders{}, ratelimit.NewLimiter(noSends{}, nil), senders, Options{ProbeTimeout: 50 * time.Millisecond})

	tests := []struct {
		name         string
		provider     string
		wantSuccess  bool
		wantCategory string
	}{
		{"success", "ok", true, ""},
		{"timeout", "slow", false, "connect_failed"},
		{"no transport", "missing", false, "unknown:no transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started := time.Now()
			probe := s.TestConnection(context.Background(), &models.Provider{Name: tt.provider})
			if probe.Success != tt.wantSuccess || probe.Category != tt.wantCategory {
				t.Errorf("TestConnection() = %+v, want success=%v category=%q", probe, tt.wantSuccess, tt.wantCategory)
			}
			if time.Since(started) > 5*time.Second {
				t.Error("TestConnection() ignored the probe timeout")
			}
		})
	}
}

func TestTestAll(t *testing.T) {
	var probes int32
	senders := fakeSenders{
		"a": &fakeSender{probes: &probes, delay: 20 * time.Millisecond, probe: transport.Probe{Success: true}},
		"b": &fakeSender{probes: &probes, delay: 20 * time.Millisecond, probe: transport.Probe{Success: false, Category: "auth_failed"}},
		"c": &fakeSender{probes: &probes, probe: transport.Probe{Success: true}},
	}
	providers := staticProviders{
		{ID: "1", Name: "a", Active: true},
		{ID: "2", Name: "b", Active: true},
		{ID: "3", Name: "c", Active: false},
	}
	s := New(providers, ratelimit.NewLimiter(noSends{}, nil), senders, Options{})

	results, err := s.TestAll(context.Background())
	if err != nil {
		t.Fatalf("TestAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("TestAll() returned %d results, want 2", len(results))
	}
	if results[0].Name != "a" || !results[0].Probe.Success {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Name != "b" || results[1].Probe.Category != "auth_failed" {
		t.Errorf("results[1] = %+v", results[1])
	}
	if got := atomic.LoadInt32(&probes); got != 2 {
		t.Errorf("probes = %d, want 2 (inactive providers are skipped)", got)
	}
}
