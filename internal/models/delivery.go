package models

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a status change would move backwards
var ErrInvalidTransition = errors.New("invalid status transition")

// DeliveryStatus is the state of a single send attempt
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending:   {DeliverySent, DeliveryBounced, DeliveryFailed},
	DeliverySent:      {DeliveryDelivered, DeliveryBounced},
	DeliveryDelivered: {DeliveryOpened, DeliveryClicked},
	DeliveryOpened:    {DeliveryClicked},
}

// CanTransition reports whether an entry may move from s to next
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryOpened,
		DeliveryClicked, DeliveryBounced, DeliveryFailed:
		return true
	}
	return false
}

// Predecessors returns every status that may transition into s
func (s DeliveryStatus) Predecessors() []DeliveryStatus {
	var from []DeliveryStatus
	for _, st := range []DeliveryStatus{DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryOpened} {
		if st.CanTransition(s) {
			from = append(from, st)
		}
	}
	return from
}

// Terminal reports whether the entry left the send path for good.
// Everything past pending is terminal for the dispatcher.
func (s DeliveryStatus) Terminal() bool {
	return s != DeliveryPending
}

// TerminalDeliveryStatuses lists statuses eligible for retention cleanup
var TerminalDeliveryStatuses = []DeliveryStatus{
	DeliverySent, DeliveryDelivered, DeliveryOpened, DeliveryClicked, DeliveryBounced, DeliveryFailed,
}

// DeliveryLogEntry records one send attempt to one recipient
type DeliveryLogEntry struct {
	ID           string         `json:"id"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	Recipient    string         `json:"recipient"`
	ProviderID   string         `json:"provider_id"`
	ProviderName string         `json:"provider_name,omitempty"` // joined field
	Subject      string         `json:"subject"`
	Status       DeliveryStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	BounceReason string         `json:"bounce_reason,omitempty"`
	MessageID    string         `json:"message_id,omitempty"`
	TrackingID   string         `json:"tracking_id"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`
	BouncedAt   *time.Time `json:"bounced_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeliveryListFilter for filtering delivery log entries
type DeliveryListFilter struct {
	CampaignID string
	ProviderID string
	Status     DeliveryStatus
	Recipient  string
	Limit      int
	Offset     int
}
