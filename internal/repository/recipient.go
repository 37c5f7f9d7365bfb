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

// RecipientRepository is the recipient directory: subscribers grouped into segments
type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// CreateSubscriber adds a subscriber. Emails are stored lower-cased.
func (r *RecipientRepository) CreateSubscriber(ctx context.Context, s *models.Subscriber) error {
	s.ID = uuid.New().String()
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
	if s.Status == "" {
		s.Status = models.SubscriberActive
	}
	s.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO subscribers (id, email, name, status, created_at) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.Email, s.Name, s.Status, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	return nil
}

// GetSubscriberByEmail returns a subscriber by address
func (r *RecipientRepository) GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	s := &models.Subscriber{}
	err := r.db.QueryRowContext(ctx,
		"SELECT id, email, COALESCE(name, ''), status, created_at FROM subscribers WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&s.ID, &s.Email, &s.Name, &s.Status, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetSubscriberStatus changes a subscriber's status by address
func (r *RecipientRepository) SetSubscriberStatus(ctx context.Context, email, status string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE subscribers SET status = ? WHERE email = ?",
		status, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return fmt.Errorf("failed to update subscriber status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSegment adds a named segment
func (r *RecipientRepository) CreateSegment(ctx context.Context, seg *models.Segment) error {
	seg.ID = uuid.New().String()
	seg.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO segments (id, name, description, created_at) VALUES (?, ?, ?, ?)",
		seg.ID, seg.Name, seg.Description, seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

// AddToSegment links subscribers to a segment, ignoring existing links
func (r *RecipientRepository) AddToSegment(ctx context.Context, segmentID string, subscriberIDs ...string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range subscriberIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO segment_subscribers (segment_id, subscriber_id) VALUES (?, ?)",
			segmentID, id); err != nil {
			return fmt.Errorf("failed to add subscriber %s to segment: %w", id, err)
		}
	}
	return tx.Commit()
}

// Resolve returns the distinct active subscribers across the given segments,
// ordered by address
func (r *RecipientRepository) Resolve(ctx context.Context, segmentIDs []string) ([]models.Recipient, error) {
	if len(segmentIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(segmentIDs))
	for _, id := range segmentIDs {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT s.email, COALESCE(s.name, '') FROM subscribers s
		JOIN segment_subscribers ss ON ss.subscriber_id = s.id
		WHERE s.status = 'active' AND ss.segment_id IN (`+placeholders(len(segmentIDs))+`)
		ORDER BY s.email`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	seen := make(map[string]bool)
	for rows.Next() {
		var rcpt models.Recipient
		if err := rows.Scan(&rcpt.Email, &rcpt.Name); err != nil {
			return nil, err
		}
		if seen[rcpt.Email] {
			continue
		}
		seen[rcpt.Email] = true
		recipients = append(recipients, rcpt)
	}
	return recipients, rows.Err()
}
