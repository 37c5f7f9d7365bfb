// Package bounce records post-send events (delivered, opened, clicked,
// bounced) against the delivery log and its counters.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/repository"
)

// EventType is the kind of a post-send event
type EventType string

const (
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
	EventBounced   EventType = "bounced"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventDelivered, EventOpened, EventClicked, EventBounced:
		return true
	}
	return false
}

// Event identifies a log entry by provider message id or tracking id
type Event struct {
	Type       EventType `json:"type"`
	MessageID  string    `json:"message_id,omitempty"`
	TrackingID string    `json:"tracking_id,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	// Permanent marks a hard bounce; the subscriber is flagged bounced
	Permanent bool      `json:"permanent,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// ErrUnknownMessage is returned when no log entry matches an event
var ErrUnknownMessage = errors.New("no delivery matches the event")

// Processor applies events to the delivery log
type Processor interface {
	Process(ctx context.Context, ev Event) error
}

// DeliveryStore is the part of the delivery log events touch
type DeliveryStore interface {
	GetByMessageID(ctx context.Context, messageID string) (*models.DeliveryLogEntry, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*models.DeliveryLogEntry, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkOpened(ctx context.Context, id string, at time.Time) error
	MarkClicked(ctx context.Context, id string, at time.Time) error
	MarkBounced(ctx context.Context, id, reason string, at time.Time) error
}

// CampaignCounters bumps campaign aggregates
type CampaignCounters interface {
	Increment(ctx context.Context, id string, counter repository.CampaignCounter) error
}

// ProviderCounters bumps provider lifetime counters
type ProviderCounters interface {
	Increment(ctx context.Context, id string, counter repository.ProviderCounter) error
}

// SubscriberStatus flags subscribers after hard bounces
type SubscriberStatus interface {
	SetSubscriberStatus(ctx context.Context, email, status string) error
}

// Recorder is the delivery log backed Processor
type Recorder struct {
	deliveries  DeliveryStore
	campaigns   CampaignCounters
	providers   ProviderCounters
	subscribers SubscriberStatus
	now         func() time.Time
	logger      *slog.Logger
}

// NewRecorder creates a recorder. subscribers may be nil.
func NewRecorder(deliveries DeliveryStore, campaigns CampaignCounters, providers ProviderCounters, subscribers SubscriberStatus, clock func() time.Time, logger *slog.Logger) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		deliveries:  deliveries,
		campaigns:   campaigns,
		providers:   providers,
		subscribers: subscribers,
		now:         clock,
		logger:      logger.With("component", "events"),
	}
}

// ProcessBounce marks the entry sent as messageID bounced
func (r *Recorder) ProcessBounce(ctx context.Context, messageID, reason string, permanent bool) error {
	return r.Process(ctx, Event{Type: EventBounced, MessageID: messageID, Reason: reason, Permanent: permanent})
}

// Process applies ev. Events that would move an entry backwards, such as a
// repeated open, are ignored without touching counters.
func (r *Recorder) Process(ctx context.Context, ev Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	entry, err := r.lookup(ctx, ev)
	if err != nil {
		return err
	}

	at := ev.At
	if at.IsZero() {
		at = r.now()
	}

	var (
		campaignCounter repository.CampaignCounter
		providerCounter repository.ProviderCounter
	)
	switch ev.Type {
	case EventDelivered:
		err = r.deliveries.MarkDelivered(ctx, entry.ID, at)
		campaignCounter, providerCounter = repository.CampaignDelivered, repository.ProviderDelivered
	case EventOpened:
		err = r.deliveries.MarkOpened(ctx, entry.ID, at)
		campaignCounter, providerCounter = repository.CampaignOpened, repository.ProviderOpened
	case EventClicked:
		err = r.deliveries.MarkClicked(ctx, entry.ID, at)
		campaignCounter, providerCounter = repository.CampaignClicked, repository.ProviderClicked
	case EventBounced:
		err = r.deliveries.MarkBounced(ctx, entry.ID, ev.Reason, at)
		campaignCounter, providerCounter = repository.CampaignBounced, repository.ProviderBounced
	}

	if errors.Is(err, models.ErrInvalidTransition) {
		r.logger.Debug("event ignored", "type", ev.Type, "entry_id", entry.ID, "status", entry.Status)
		return nil
	}
	if err != nil {
		return err
	}

	if entry.CampaignID != "" {
		if err := r.campaigns.Increment(ctx, entry.CampaignID, campaignCounter); err != nil {
			r.logger.Error("failed to increment campaign counter", "campaign_id", entry.CampaignID, "error", err)
		}
	}
	if err := r.providers.Increment(ctx, entry.ProviderID, providerCounter); err != nil {
		r.logger.Error("failed to increment provider counter", "provider_id", entry.ProviderID, "error", err)
	}

	if ev.Type == EventBounced {
		metrics.IncMessagesBounced(entry.ProviderName)
		if ev.Permanent && r.subscribers != nil {
			err := r.subscribers.SetSubscriberStatus(ctx, entry.Recipient, models.SubscriberBounced)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				r.logger.Error("failed to flag bounced subscriber", "recipient", entry.Recipient, "error", err)
			}
		}
	} else {
		metrics.IncDeliveryEvent(string(ev.Type))
	}

	r.logger.Info("event recorded",
		"type", ev.Type,
		"entry_id", entry.ID,
		"campaign_id", entry.CampaignID,
		"recipient", entry.Recipient,
	)
	return nil
}

func (r *Recorder) lookup(ctx context.Context, ev Event) (*models.DeliveryLogEntry, error) {
	var (
		entry *models.DeliveryLogEntry
		err   error
	)
	switch {
	case ev.MessageID != "":
		entry, err = r.deliveries.GetByMessageID(ctx, ev.MessageID)
	case ev.TrackingID != "":
		entry, err = r.deliveries.GetByTrackingID(ctx, ev.TrackingID)
	default:
		return nil, fmt.Errorf("event has neither message_id nor tracking_id")
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: message_id=%q tracking_id=%q", ErrUnknownMessage, ev.MessageID, ev.TrackingID)
	}
	return entry, err
}

// Source yields pending events, for example from a bounce mailbox
type Source interface {
	Fetch(ctx context.Context) ([]Event, error)
}

// NoopSource never has events
type NoopSource struct{}

func (NoopSource) Fetch(ctx context.Context) ([]Event, error) {
	return nil, nil
}

// Poll fetches events from src and applies them. Unknown messages are
// skipped; other errors stop the poll.
func Poll(ctx context.Context, src Source, p Processor, logger *slog.Logger) (int, error) {
	events, err := src.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch events: %w", err)
	}

	applied := 0
	for _, ev := range events {
		if err := p.Process(ctx, ev); err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				if logger != nil {
					logger.Warn("event for unknown message", "message_id", ev.MessageID, "tracking_id", ev.TrackingID)
				}
				continue
			}
			return applied, err
		}
		applied++
	}
	return applied, nil
}
