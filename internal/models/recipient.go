package models

import (
	"strings"
	"time"
)

// Subscriber statuses
const (
	SubscriberActive       = "active"
	SubscriberUnsubscribed = "unsubscribed"
	SubscriberBounced      = "bounced"
	SubscriberComplained   = "complained"
	SubscriberBlocklisted  = "blocklisted"
)

// Subscriber is an entry in the recipient directory
type Subscriber struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Segment is a named, reusable group of subscribers
type Segment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recipient is a resolved message target with its display attributes
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FirstName returns the first word of the display name
func (r Recipient) FirstName() string {
	fields := strings.Fields(r.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
