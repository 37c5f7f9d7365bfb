package bounce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/mailcast/internal/db"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/repository"
)

var testNow = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	providers  *repository.ProviderRepository
	campaigns  *repository.CampaignRepository
	deliveries *repository.DeliveryRepository
	recipients *repository.RecipientRepository
	recorder   *Recorder
	provider   *models.Provider
	campaign   *models.Campaign
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	env := &testEnv{
		providers:  repository.NewProviderRepository(database.DB, nil),
		campaigns:  repository.NewCampaignRepository(database.DB),
		deliveries: repository.NewDeliveryRepository(database.DB),
		recipients: repository.NewRecipientRepository(database.DB),
	}
	env.recorder = NewRecorder(env.deliveries, env.campaigns, env.providers, env.recipients,
		func() time.Time { return testNow }, nil)

	ctx := context.Background()
	env.provider = &models.Provider{Name: "primary", Kind: models.KindSandbox, FromEmail: "news@example.com", Active: true}
	if err := env.providers.Create(ctx, env.provider); err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	env.campaign = &models.Campaign{Name: "Launch", Subject: "Hi", HTML: "<p>Hi</p>"}
	if err := env.campaigns.Create(ctx, env.campaign); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return env
}

// sent creates a sent log entry for recipient and returns it
func (env *testEnv) sent(t *testing.T, recipient, messageID string) *models.DeliveryLogEntry {
	t.Helper()
	ctx := context.Background()

	e := &models.DeliveryLogEntry{
		CampaignID: env.campaign.ID,
		Recipient:  recipient,
		ProviderID: env.provider.ID,
		Subject:    "Hi",
	}
	if err := env.deliveries.CreatePending(ctx, e, testNow); err != nil {
		t.Fatalf("CreatePending() error = %v", err)
	}
	if err := env.deliveries.MarkSent(ctx, e.ID, messageID, testNow); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	return e
}

func TestProcessEvents(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	e := env.sent(t, "ada@example.org", "<m1@mailcast.test>")

	steps := []Event{
		{Type: EventDelivered, MessageID: "<m1@mailcast.test>"},
		{Type: EventOpened, TrackingID: e.TrackingID},
		{Type: EventOpened, TrackingID: e.TrackingID},
		{Type: EventClicked, MessageID: "<m1@mailcast.test>"},
	}
	for _, ev := range steps {
		if err := env.recorder.Process(ctx, ev); err != nil {
			t.Fatalf("Process(%s) error = %v", ev.Type, err)
		}
	}

	got, _ := env.deliveries.GetByID(ctx, e.ID)
	if got.Status != models.DeliveryClicked || got.DeliveredAt == nil || got.OpenedAt == nil {
		t.Errorf("entry = %+v, want clicked with milestones stamped", got)
	}

	c, _ := env.campaigns.GetByID(ctx, env.campaign.ID)
	if c.TotalDelivered != 1 || c.TotalOpened != 1 || c.TotalClicked != 1 {
		t.Errorf("campaign delivered=%d opened=%d clicked=%d, want 1/1/1 (repeat open ignored)",
			c.TotalDelivered, c.TotalOpened, c.TotalClicked)
	}
	p, _ := env.providers.GetByID(ctx, env.provider.ID)
	if p.TotalDelivered != 1 || p.TotalOpened != 1 || p.TotalClicked != 1 {
		t.Errorf("provider delivered=%d opened=%d clicked=%d", p.TotalDelivered, p.TotalOpened, p.TotalClicked)
	}
}

func TestProcessBounce(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	sub := &models.Subscriber{Email: "ada@example.org"}
	if err := env.recipients.CreateSubscriber(ctx, sub); err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}
	e := env.sent(t, "ada@example.org", "<m1@mailcast.test>")

	if err := env.recorder.ProcessBounce(ctx, "<m1@mailcast.test>", "550 5.1.1 User unknown", true); err != nil {
		t.Fatalf("ProcessBounce() error = %v", err)
	}

	got, _ := env.deliveries.GetByID(ctx, e.ID)
	if got.Status != models.DeliveryBounced || got.BounceReason != "550 5.1.1 User unknown" {
		t.Errorf("entry status=%s reason=%q", got.Status, got.BounceReason)
	}
	c, _ := env.campaigns.GetByID(ctx, env.campaign.ID)
	p, _ := env.providers.GetByID(ctx, env.provider.ID)
	if c.TotalBounced != 1 || p.TotalBounced != 1 {
		t.Errorf("bounced counters campaign=%d provider=%d, want 1", c.TotalBounced, p.TotalBounced)
	}
	s, _ := env.recipients.GetSubscriberByEmail(ctx, "ada@example.org")
	if s.Status != models.SubscriberBounced {
		t.Errorf("subscriber status = %s, want bounced", s.Status)
	}

	// A later delivery report cannot revive a bounced entry
	if err := env.recorder.Process(ctx, Event{Type: EventDelivered, MessageID: "<m1@mailcast.test>"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	got, _ = env.deliveries.GetByID(ctx, e.ID)
	if got.Status != models.DeliveryBounced {
		t.Errorf("status = %s, want bounced", got.Status)
	}
}

func TestProcessErrors(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name    string
		ev      Event
		wantErr error
	}{
		{name: "unknown type", ev: Event{Type: "complained", MessageID: "x"}},
		{name: "no identifiers", ev: Event{Type: EventOpened}},
		{name: "unknown message", ev: Event{Type: EventOpened, MessageID: "<nope>"}, wantErr: ErrUnknownMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.recorder.Process(context.Background(), tt.ev)
			if err == nil {
				t.Fatal("Process() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Process() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

type staticSource []Event

func (s staticSource) Fetch(ctx context.Context) ([]Event, error) {
	return s, nil
}

func TestPoll(t *testing.T) {
	env := setupTestEnv(t)
	env.sent(t, "ada@example.org", "<m1@mailcast.test>")

	src := staticSource{
		{Type: EventDelivered, MessageID: "<m1@mailcast.test>"},
		{Type: EventDelivered, MessageID: "<gone@mailcast.test>"},
	}
	n, err := Poll(context.Background(), src, env.recorder, nil)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Poll() applied %d, want 1", n)
	}

	if n, err := Poll(context.Background(), NoopSource{}, env.recorder, nil); n != 0 || err != nil {
		t.Errorf("Poll(noop) = %d, %v", n, err)
	}
}
