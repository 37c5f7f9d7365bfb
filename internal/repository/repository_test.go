package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/foxzi/mailcast/internal/db"
	"github.com/foxzi/mailcast/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database.DB
}

func newTestProvider(name string) *models.Provider {
	p := &models.Provider{
		Name:      name,
		Kind:      models.KindSMTP,
		Host:      "smtp.example.com",
		TLSMode:   models.TLSStartTLS,
		FromEmail: "news@example.com",
		FromName:  "News",
		Active:    true,
	}
	p.ApplyDefaults()
	return p
}

func createTestProvider(t *testing.T, repo *ProviderRepository, name string) *models.Provider {
	t.Helper()

	p := newTestProvider(name)
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create provider %s: %v", name, err)
	}
	return p
}

func createTestCampaign(t *testing.T, repo *CampaignRepository, segmentIDs ...string) *models.Campaign {
	t.Helper()

	c := &models.Campaign{
		Name:       "Spring sale",
		Subject:    "Hello {recipient.name}",
		HTML:       "<p>Hi {recipient.name}</p>",
		SegmentIDs: segmentIDs,
	}
	if err := repo.Create(context.Background(), c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}
