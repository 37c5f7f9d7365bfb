package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/mailcast/internal/models"
)

func TestCampaignCreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	recipients := NewRecipientRepository(db)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	seg := &models.Segment{Name: "customers"}
	if err := recipients.CreateSegment(ctx, seg); err != nil {
		t.Fatal(err)
	}

	c := createTestCampaign(t, repo, seg.ID)
	if c.Status != models.CampaignDraft {
		t.Errorf("Status = %s, want draft", c.Status)
	}

	got, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Name != c.Name || len(got.SegmentIDs) != 1 || got.SegmentIDs[0] != seg.ID {
		t.Errorf("unexpected campaign: %+v", got)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
	if err := repo.Create(ctx, &models.Campaign{Name: "no subject"}); err == nil {
		t.Error("expected error for missing subject")
	}
}

func TestCampaignUpdateOnlyWhenEditable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	c := createTestCampaign(t, repo)
	c.Subject = "Updated"
	if err := repo.Update(ctx, c); err != nil {
		t.Fatalf("Update of draft failed: %v", err)
	}

	ok, err := repo.TransitionStatus(ctx, c.ID, []models.CampaignStatus{models.CampaignDraft}, models.CampaignSending, now)
	if err != nil || !ok {
		t.Fatalf("TransitionStatus = %v, %v", ok, err)
	}

	c.Subject = "Too late"
	if err := repo.Update(ctx, c); !errors.Is(err, ErrNotEditable) {
		t.Errorf("Update while sending error = %v, want ErrNotEditable", err)
	}

	got, _ := repo.GetByID(ctx, c.ID)
	if got.Subject != "Updated" {
		t.Errorf("Subject = %q, want %q", got.Subject, "Updated")
	}
	if got.StartedAt == nil {
		t.Error("started_at should be set when sending begins")
	}

	missing := &models.Campaign{ID: "missing", Name: "x", Subject: "y"}
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCampaignTransitionStatusCAS(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	c := createTestCampaign(t, repo)

	// Only one of many concurrent starters may win
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TransitionStatus(ctx, c.ID, models.CampaignSending.Predecessors(), models.CampaignSending, now)
			if err != nil {
				t.Errorf("TransitionStatus failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}

	ok, err := repo.TransitionStatus(ctx, c.ID, []models.CampaignStatus{models.CampaignSending}, models.CampaignSent, now)
	if err != nil || !ok {
		t.Fatalf("sending -> sent = %v, %v", ok, err)
	}
	got, _ := repo.GetByID(ctx, c.ID)
	if got.Status != models.CampaignSent || got.SentAt == nil {
		t.Errorf("unexpected campaign: status %s sent_at %v", got.Status, got.SentAt)
	}

	ok, err = repo.TransitionStatus(ctx, c.ID, models.CampaignPaused.Predecessors(), models.CampaignPaused, now)
	if err != nil || ok {
		t.Errorf("sent -> paused = %v, %v; want false", ok, err)
	}
}

func TestCampaignScheduleAndDue(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	due := createTestCampaign(t, repo)
	later := createTestCampaign(t, repo)

	if err := repo.Schedule(ctx, due.ID, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Schedule(ctx, later.ID, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Schedule(ctx, due.ID, now); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("re-schedule error = %v, want ErrInvalidTransition", err)
	}

	list, err := repo.ListDueScheduled(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Errorf("ListDueScheduled = %v, want only %s", list, due.ID)
	}
}

func TestCampaignCountersAndTotals(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()
	c := createTestCampaign(t, repo)

	if err := repo.SetTotalRecipients(ctx, c.ID, 3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := repo.Increment(ctx, c.ID, CampaignSent); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Increment(ctx, c.ID, CampaignCounter("status")); err == nil {
		t.Error("expected error for unknown counter")
	}

	// A lower recount never moves a counter back
	if err := repo.ApplyTotals(ctx, c.ID, models.DeliveryTotals{Sent: 1, Delivered: 1}); err != nil {
		t.Fatal(err)
	}

	got, _ := repo.GetByID(ctx, c.ID)
	if got.TotalRecipients != 3 || got.TotalSent != 2 || got.TotalDelivered != 1 {
		t.Errorf("counters = recipients %d sent %d delivered %d", got.TotalRecipients, got.TotalSent, got.TotalDelivered)
	}
}

func TestCampaignAttachments(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()
	c := createTestCampaign(t, repo)

	if err := repo.AddAttachment(ctx, c.ID, models.Attachment{Filename: "price.pdf", ContentType: "application/pdf", Content: []byte("%PDF")}); err != nil {
		t.Fatal(err)
	}

	list, err := repo.Attachments(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Filename != "price.pdf" || string(list[0].Content) != "%PDF" {
		t.Errorf("Attachments = %+v", list)
	}
}
