package models

import "testing"

func TestDeliveryRate(t *testing.T) {
	tests := []struct {
		name      string
		sent      int64
		delivered int64
		want      float64
	}{
		{"nothing sent", 0, 0, 0},
		{"nothing sent with stray delivered", 0, 5, 0},
		{"half delivered", 10, 5, 50},
		{"all delivered", 4, 4, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Provider{TotalSent: tt.sent, TotalDelivered: tt.delivered}
			if got := p.DeliveryRate(); got != tt.want {
				t.Errorf("DeliveryRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderApplyDefaults(t *testing.T) {
	p := &Provider{Name: "relay", Host: "smtp.example.com", TLSMode: TLSImplicit}
	p.ApplyDefaults()

	if p.Kind != KindSMTP {
		t.Errorf("Kind = %q, want %q", p.Kind, KindSMTP)
	}
	if p.Port != 465 {
		t.Errorf("Port = %d, want 465", p.Port)
	}
	if p.MaxPerDay != DefaultMaxPerDay || p.MaxPerHour != DefaultMaxPerHour || p.MaxPerSecond != DefaultMaxPerSecond {
		t.Errorf("limits = %d/%d/%d, want defaults", p.MaxPerDay, p.MaxPerHour, p.MaxPerSecond)
	}

	custom := &Provider{Kind: KindSendGrid, MaxPerHour: 50}
	custom.ApplyDefaults()
	if custom.MaxPerDay != 0 || custom.MaxPerHour != 50 {
		t.Errorf("explicit limits overwritten: %d/%d", custom.MaxPerDay, custom.MaxPerHour)
	}
}

func TestProviderValidate(t *testing.T) {
	valid := func() *Provider {
		return &Provider{
			Name:      "relay",
			Kind:      KindSMTP,
			Host:      "smtp.example.com",
			Port:      587,
			TLSMode:   TLSStartTLS,
			FromEmail: "news@example.com",
		}
	}

	tests := []struct {
		name    string
		mutate  func(p *Provider)
		wantErr bool
	}{
		{"valid smtp", func(p *Provider) {}, false},
		{"missing name", func(p *Provider) { p.Name = " " }, true},
		{"unknown kind", func(p *Provider) { p.Kind = "carrier-pigeon" }, true},
		{"bad from", func(p *Provider) { p.FromEmail = "not-an-address" }, true},
		{"bad reply-to", func(p *Provider) { p.ReplyTo = "@@" }, true},
		{"missing host", func(p *Provider) { p.Host = "" }, true},
		{"bad tls mode", func(p *Provider) { p.TLSMode = "maybe" }, true},
		{"negative limit", func(p *Provider) { p.MaxPerHour = -1 }, true},
		{"sendgrid without key", func(p *Provider) { p.Kind = KindSendGrid }, true},
		{"sendgrid with key", func(p *Provider) { p.Kind = KindSendGrid; p.APIKey = "SG.x" }, false},
		{"mailgun without domain", func(p *Provider) { p.Kind = KindMailgun; p.APIKey = "k" }, true},
		{"ses without region", func(p *Provider) { p.Kind = KindSES }, true},
		{"sandbox", func(p *Provider) { p.Kind = KindSandbox }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCampaignTransitions(t *testing.T) {
	tests := []struct {
		from CampaignStatus
		to   CampaignStatus
		want bool
	}{
		{CampaignDraft, CampaignSending, true},
		{CampaignDraft, CampaignScheduled, true},
		{CampaignScheduled, CampaignSending, true},
		{CampaignScheduled, CampaignCancelled, true},
		{CampaignScheduled, CampaignDraft, false},
		{CampaignSending, CampaignSent, true},
		{CampaignSending, CampaignPaused, true},
		{CampaignPaused, CampaignSending, true},
		{CampaignPaused, CampaignCancelled, true},
		{CampaignSent, CampaignCancelled, false},
		{CampaignSent, CampaignDraft, false},
		{CampaignCancelled, CampaignSending, false},
		{CampaignDraft, CampaignSent, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := CampaignDraft.Predecessors(); len(got) != 0 {
		t.Errorf("CampaignDraft.Predecessors() = %v, want none", got)
	}
	if !CampaignDraft.Editable() || !CampaignCancelled.Editable() || CampaignSending.Editable() {
		t.Error("only draft and cancelled campaigns should be editable")
	}
}

func TestDeliveryTransitions(t *testing.T) {
	tests := []struct {
		from DeliveryStatus
		to   DeliveryStatus
		want bool
	}{
		{DeliveryPending, DeliverySent, true},
		{DeliveryPending, DeliveryFailed, true},
		{DeliveryPending, DeliveryBounced, true},
		{DeliverySent, DeliveryDelivered, true},
		{DeliverySent, DeliveryBounced, true},
		{DeliveryDelivered, DeliveryOpened, true},
		{DeliveryOpened, DeliveryClicked, true},
		{DeliverySent, DeliveryPending, false},
		{DeliverySent, DeliveryFailed, false},
		{DeliveryFailed, DeliverySent, false},
		{DeliveryBounced, DeliveryDelivered, false},
		{DeliveryClicked, DeliveryOpened, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryPredecessors(t *testing.T) {
	got := DeliveryBounced.Predecessors()
	if len(got) != 2 || got[0] != DeliveryPending || got[1] != DeliverySent {
		t.Errorf("Predecessors(bounced) = %v, want [pending sent]", got)
	}
	if got := DeliveryPending.Predecessors(); len(got) != 0 {
		t.Errorf("Predecessors(pending) = %v, want none", got)
	}
}

func TestDeliveryStatusValid(t *testing.T) {
	if !DeliveryClicked.Valid() {
		t.Error("clicked should be valid")
	}
	if DeliveryStatus("queued").Valid() {
		t.Error("queued should not be valid")
	}
}

func TestRecipientFirstName(t *testing.T) {
	if got := (Recipient{Name: "Ada Lovelace"}).FirstName(); got != "Ada" {
		t.Errorf("FirstName() = %q, want %q", got, "Ada")
	}
	if got := (Recipient{}).FirstName(); got != "" {
		t.Errorf("FirstName() = %q, want empty", got)
	}
}
