package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/models"
)

const deliveryColumns = `d.id, COALESCE(d.campaign_id, ''), d.recipient, COALESCE(d.provider_id, ''), COALESCE(p.name, ''),
	COALESCE(d.subject, ''), d.status, COALESCE(d.error, ''), COALESCE(d.bounce_reason, ''), COALESCE(d.message_id, ''),
	d.tracking_id, d.sent_at, d.delivered_at, d.opened_at, d.clicked_at, d.bounced_at, d.failed_at, d.created_at`

const deliveryFrom = ` FROM delivery_logs d LEFT JOIN providers p ON d.provider_id = p.id`

// DeliveryRepository persists the per-recipient delivery log
type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// CreatePending inserts a new entry in pending state. A tracking id is
// generated unless the caller already rendered one into the message.
func (r *DeliveryRepository) CreatePending(ctx context.Context, e *models.DeliveryLogEntry, at time.Time) error {
	e.ID = uuid.New().String()
	if e.TrackingID == "" {
		e.TrackingID = uuid.New().String()
	}
	e.Status = models.DeliveryPending
	e.CreatedAt = utc(at)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (id, campaign_id, recipient, provider_id, subject, status, tracking_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullIfEmpty(e.CampaignID), e.Recipient, nullIfEmpty(e.ProviderID), e.Subject,
		string(e.Status), e.TrackingID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery log entry: %w", err)
	}
	return nil
}

// MarkSent records that the provider accepted the message
func (r *DeliveryRepository) MarkSent(ctx context.Context, id, messageID string, at time.Time) error {
	return r.transition(ctx, id, models.DeliverySent, "sent_at = ?, message_id = ?", utc(at), messageID)
}

// MarkFailed records a send failure with its error text
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id, errText string, at time.Time) error {
	return r.transition(ctx, id, models.DeliveryFailed, "failed_at = ?, error = ?", utc(at), errText)
}

// MarkDelivered records a delivery confirmation
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, models.DeliveryDelivered, "delivered_at = ?", utc(at))
}

// MarkOpened records an open event
func (r *DeliveryRepository) MarkOpened(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, models.DeliveryOpened, "opened_at = ?", utc(at))
}

// MarkClicked records a click event
func (r *DeliveryRepository) MarkClicked(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, models.DeliveryClicked, "clicked_at = ?", utc(at))
}

// MarkBounced records a bounce with its reason
func (r *DeliveryRepository) MarkBounced(ctx context.Context, id, reason string, at time.Time) error {
	return r.transition(ctx, id, models.DeliveryBounced, "bounced_at = ?, bounce_reason = ?", utc(at), reason)
}

// transition applies a forward-only status change. The WHERE clause only
// matches legal predecessors, so concurrent writers cannot move an entry back.
func (r *DeliveryRepository) transition(ctx context.Context, id string, to models.DeliveryStatus, set string, args ...any) error {
	from := to.Predecessors()

	query := "UPDATE delivery_logs SET status = ?, " + set + " WHERE id = ? AND status IN (" + placeholders(len(from)) + ")"
	params := append([]any{string(to)}, args...)
	params = append(params, id)
	for _, s := range from {
		params = append(params, string(s))
	}

	result, err := r.db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to mark entry %s: %w", to, err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}

	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("entry %s %s -> %s: %w", id, current, to, models.ErrInvalidTransition)
}

func (r *DeliveryRepository) status(ctx context.Context, id string) (models.DeliveryStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, "SELECT status FROM delivery_logs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return models.DeliveryStatus(status), nil
}

// GetByID returns an entry by ID
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*models.DeliveryLogEntry, error) {
	return r.getBy(ctx, "d.id", id)
}

// GetByMessageID returns the entry a provider message id belongs to
func (r *DeliveryRepository) GetByMessageID(ctx context.Context, messageID string) (*models.DeliveryLogEntry, error) {
	return r.getBy(ctx, "d.message_id", messageID)
}

// GetByTrackingID returns the entry an open/click tracking id belongs to
func (r *DeliveryRepository) GetByTrackingID(ctx context.Context, trackingID string) (*models.DeliveryLogEntry, error) {
	return r.getBy(ctx, "d.tracking_id", trackingID)
}

func (r *DeliveryRepository) getBy(ctx context.Context, column, value string) (*models.DeliveryLogEntry, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deliveryColumns+deliveryFrom+" WHERE "+column+" = ? LIMIT 1", value)
	e, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns entries matching the filter, newest first, plus the total match count
func (r *DeliveryRepository) List(ctx context.Context, filter models.DeliveryListFilter) ([]models.DeliveryLogEntry, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.CampaignID != "" {
		where += " AND d.campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.ProviderID != "" {
		where += " AND d.provider_id = ?"
		args = append(args, filter.ProviderID)
	}
	if filter.Status != "" {
		where += " AND d.status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Recipient != "" {
		where += " AND d.recipient = ?"
		args = append(args, filter.Recipient)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*)"+deliveryFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + deliveryColumns + deliveryFrom + where + " ORDER BY d.created_at DESC"
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
		return nil, 0, fmt.Errorf("failed to list delivery log: %w", err)
	}
	defer rows.Close()

	entries := []models.DeliveryLogEntry{}
	for rows.Next() {
		e, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// CampaignStats returns the current status breakdown of a campaign's entries
func (r *DeliveryRepository) CampaignStats(ctx context.Context, campaignID string) (models.CampaignStats, error) {
	var s models.CampaignStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'opened' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'clicked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM delivery_logs WHERE campaign_id = ?`, campaignID,
	).Scan(&s.Total, &s.Pending, &s.Sent, &s.Delivered, &s.Opened, &s.Clicked, &s.Bounced, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("failed to count campaign entries: %w", err)
	}
	return s, nil
}

// CountByStatus counts every log entry by current status
func (r *DeliveryRepository) CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM delivery_logs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int64)
	for rows.Next() {
		var (
			status models.DeliveryStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CampaignTotals counts a campaign's entries by the milestones they reached
func (r *DeliveryRepository) CampaignTotals(ctx context.Context, campaignID string) (models.DeliveryTotals, error) {
	var t models.DeliveryTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN sent_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN opened_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN clicked_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN bounced_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM delivery_logs WHERE campaign_id = ?`, campaignID,
	).Scan(&t.Sent, &t.Delivered, &t.Opened, &t.Clicked, &t.Bounced, &t.Failed)
	if err != nil {
		return t, fmt.Errorf("failed to total campaign entries: %w", err)
	}
	return t, nil
}

// CountSentInWindow counts a provider's sends in [from, to]. Entries still
// pending that were created in the window count too, so in-flight sends
// reserve capacity.
func (r *DeliveryRepository) CountSentInWindow(ctx context.Context, providerID string, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM delivery_logs WHERE provider_id = ? AND sent_at >= ? AND sent_at <= ?) +
			(SELECT COUNT(*) FROM delivery_logs WHERE provider_id = ? AND status = 'pending' AND created_at >= ? AND created_at <= ?)`,
		providerID, utc(from), utc(to), providerID, utc(from), utc(to),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count provider sends: %w", err)
	}
	return count, nil
}

// SentRecipients returns the addresses of a campaign that already have an
// entry, so a resumed run can skip them
func (r *DeliveryRepository) SentRecipients(ctx context.Context, campaignID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT recipient FROM delivery_logs WHERE campaign_id = ?", campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign recipients: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		seen[email] = true
	}
	return seen, rows.Err()
}

// ListStalePending returns pending entries created before the cutoff. These
// are sends interrupted between log creation and the transport result.
func (r *DeliveryRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+deliveryColumns+deliveryFrom+" WHERE d.status = 'pending' AND d.created_at < ? ORDER BY d.created_at LIMIT ?",
		utc(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending entries: %w", err)
	}
	defer rows.Close()

	entries := []models.DeliveryLogEntry{}
	for rows.Next() {
		e, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// CleanupTerminal deletes terminal entries created before the cutoff and
// returns how many rows matched. With dryRun nothing is deleted.
func (r *DeliveryRepository) CleanupTerminal(ctx context.Context, before time.Time, dryRun bool) (int64, error) {
	statuses := models.TerminalDeliveryStatuses
	args := []any{}
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, utc(before))
	where := " WHERE status IN (" + placeholders(len(statuses)) + ") AND created_at < ?"

	if dryRun {
		var count int64
		if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM delivery_logs"+where, args...).Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to count old entries: %w", err)
		}
		return count, nil
	}

	result, err := r.db.ExecContext(ctx, "DELETE FROM delivery_logs"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old entries: %w", err)
	}
	return result.RowsAffected()
}

func scanDelivery(s scanner) (*models.DeliveryLogEntry, error) {
	e := &models.DeliveryLogEntry{}
	var status string
	var sentAt, deliveredAt, openedAt, clickedAt, bouncedAt, failedAt sql.NullTime

	err := s.Scan(&e.ID, &e.CampaignID, &e.Recipient, &e.ProviderID, &e.ProviderName,
		&e.Subject, &status, &e.Error, &e.BounceReason, &e.MessageID,
		&e.TrackingID, &sentAt, &deliveredAt, &openedAt, &clickedAt, &bouncedAt, &failedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	e.Status = models.DeliveryStatus(status)
	e.SentAt = timePtr(sentAt)
	e.DeliveredAt = timePtr(deliveredAt)
	e.OpenedAt = timePtr(openedAt)
	e.ClickedAt = timePtr(clickedAt)
	e.BouncedAt = timePtr(bouncedAt)
	e.FailedAt = timePtr(failedAt)
	return e, nil
}
