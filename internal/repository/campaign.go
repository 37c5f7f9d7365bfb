package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/models"
)

const campaignColumns = `id, name, subject, COALESCE(from_email, ''), COALESCE(from_name, ''), COALESCE(reply_to, ''),
	COALESCE(html, ''), COALESCE(text, ''), COALESCE(provider_id, ''), status,
	total_recipients, total_sent, total_failed, total_delivered, total_opened, total_clicked,
	total_bounced, total_unsubscribed, scheduled_at, started_at, sent_at, created_at, updated_at`

// CampaignCounter names an aggregate counter on campaigns
type CampaignCounter string

const (
	CampaignSent         CampaignCounter = "total_sent"
	CampaignFailed       CampaignCounter = "total_failed"
	CampaignDelivered    CampaignCounter = "total_delivered"
	CampaignOpened       CampaignCounter = "total_opened"
	CampaignClicked      CampaignCounter = "total_clicked"
	CampaignBounced      CampaignCounter = "total_bounced"
	CampaignUnsubscribed CampaignCounter = "total_unsubscribed"
)

func (c CampaignCounter) valid() bool {
	switch c {
	case CampaignSent, CampaignFailed, CampaignDelivered, CampaignOpened, CampaignClicked, CampaignBounced, CampaignUnsubscribed:
		return true
	}
	return false
}

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a draft campaign and its segment links
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("campaign name is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return fmt.Errorf("campaign subject is required")
	}

	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, subject, from_email, from_name, reply_to, html, text, provider_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Subject, c.FromEmail, c.FromName, c.ReplyTo, c.HTML, c.Text, nullIfEmpty(c.ProviderID),
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	if err := replaceSegments(ctx, tx, c.ID, c.SegmentIDs); err != nil {
		return err
	}

	return tx.Commit()
}

// Update saves content of a draft or cancelled campaign
func (r *CampaignRepository) Update(ctx context.Context, c *models.Campaign) error {
	c.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET name = ?, subject = ?, from_email = ?, from_name = ?, reply_to = ?,
			html = ?, text = ?, provider_id = ?, updated_at = ?
		WHERE id = ? AND status IN ('draft', 'cancelled')`,
		c.Name, c.Subject, c.FromEmail, c.FromName, c.ReplyTo, c.HTML, c.Text, nullIfEmpty(c.ProviderID), c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns WHERE id = ?", c.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrNotEditable
	}

	if err := replaceSegments(ctx, tx, c.ID, c.SegmentIDs); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByID returns a campaign with its segment ids
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if c.SegmentIDs, err = r.segmentIDs(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

// GetStatus returns only the status column, for cheap polling by the send loop
func (r *CampaignRepository) GetStatus(ctx context.Context, id string) (models.CampaignStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return models.CampaignStatus(status), nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignListFilter) ([]models.Campaign, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ListDueScheduled returns scheduled campaigns whose time has come
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE status = 'scheduled' AND scheduled_at <= ? ORDER BY scheduled_at",
		utc(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// Schedule moves a draft campaign to scheduled
func (r *CampaignRepository) Schedule(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE campaigns SET status = 'scheduled', scheduled_at = ?, updated_at = ? WHERE id = ? AND status = 'draft'",
		utc(at), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

// TransitionStatus moves the campaign to `to` only if its current status is
// one of `from`. It returns false when another writer got there first.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source status given")
	}

	set := "status = ?, updated_at = ?"
	args := []any{string(to), utc(at)}
	switch to {
	case models.CampaignSending:
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, utc(at))
	case models.CampaignSent:
		set += ", sent_at = ?"
		args = append(args, utc(at))
	}

	query := "UPDATE campaigns SET " + set + " WHERE id = ? AND status IN (" + placeholders(len(from)) + ")"
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTotalRecipients records the audience size of a run
func (r *CampaignRepository) SetTotalRecipients(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, "UPDATE campaigns SET total_recipients = ?, updated_at = ? WHERE id = ?",
		total, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set total recipients: %w", err)
	}
	return nil
}

// Increment atomically adds one to an aggregate counter
func (r *CampaignRepository) Increment(ctx context.Context, id string, counter CampaignCounter) error {
	if !counter.valid() {
		return fmt.Errorf("unknown campaign counter %q", counter)
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE campaigns SET "+string(counter)+" = "+string(counter)+" + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return nil
}

// ApplyTotals writes counters recounted from the delivery log. Each counter
// only moves forward.
func (r *CampaignRepository) ApplyTotals(ctx context.Context, id string, t models.DeliveryTotals) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			total_sent = MAX(total_sent, ?),
			total_failed = MAX(total_failed, ?),
			total_delivered = MAX(total_delivered, ?),
			total_opened = MAX(total_opened, ?),
			total_clicked = MAX(total_clicked, ?),
			total_bounced = MAX(total_bounced, ?),
			updated_at = ?
		WHERE id = ?`,
		t.Sent, t.Failed, t.Delivered, t.Opened, t.Clicked, t.Bounced,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to apply campaign stats: %w", err)
	}
	return nil
}

// AddAttachment stores a file sent with every message of the campaign
func (r *CampaignRepository) AddAttachment(ctx context.Context, campaignID string, a models.Attachment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_attachments (id, campaign_id, filename, content_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), campaignID, a.Filename, a.ContentType, a.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add attachment: %w", err)
	}
	return nil
}

// Attachments returns the campaign's attachments in insertion order
func (r *CampaignRepository) Attachments(ctx context.Context, campaignID string) ([]models.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT filename, COALESCE(content_type, ''), content FROM campaign_attachments
		WHERE campaign_id = ? ORDER BY created_at`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.Content); err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

func (r *CampaignRepository) segmentIDs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT segment_id FROM campaign_segments WHERE campaign_id = ? ORDER BY segment_id", campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign segments: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func replaceSegments(ctx context.Context, tx *sql.Tx, campaignID string, segmentIDs []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM campaign_segments WHERE campaign_id = ?", campaignID); err != nil {
		return fmt.Errorf("failed to clear campaign segments: %w", err)
	}
	for _, segID := range segmentIDs {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO campaign_segments (campaign_id, segment_id) VALUES (?, ?)", campaignID, segID); err != nil {
			return fmt.Errorf("failed to link segment %s: %w", segID, err)
		}
	}
	return nil
}

func scanCampaign(s scanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var status string
	var scheduledAt, startedAt, sentAt sql.NullTime

	err := s.Scan(&c.ID, &c.Name, &c.Subject, &c.FromEmail, &c.FromName, &c.ReplyTo,
		&c.HTML, &c.Text, &c.ProviderID, &status,
		&c.TotalRecipients, &c.TotalSent, &c.TotalFailed, &c.TotalDelivered, &c.TotalOpened, &c.TotalClicked,
		&c.TotalBounced, &c.TotalUnsubscribed, &scheduledAt, &startedAt, &sentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Status = models.CampaignStatus(status)
	c.ScheduledAt = timePtr(scheduledAt)
	c.StartedAt = timePtr(startedAt)
	c.SentAt = timePtr(sentAt)
	return c, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
