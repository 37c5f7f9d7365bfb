package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignSent      CampaignStatus = "sent"
	CampaignCancelled CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignSending, CampaignCancelled},
	CampaignSending:   {CampaignSent, CampaignPaused, CampaignCancelled},
	CampaignPaused:    {CampaignSending, CampaignCancelled},
}

// CanTransition reports whether a campaign may move from s to next
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors returns every status that may transition into s
func (s CampaignStatus) Predecessors() []CampaignStatus {
	var from []CampaignStatus
	for _, st := range []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignSending, CampaignPaused} {
		if st.CanTransition(s) {
			from = append(from, st)
		}
	}
	return from
}

// Editable reports whether content may be changed in this status
func (s CampaignStatus) Editable() bool {
	return s == CampaignDraft || s == CampaignCancelled
}

// CanStart reports whether a send run may begin from this status
func (s CampaignStatus) CanStart() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// Campaign represents an email campaign
type Campaign struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Subject    string         `json:"subject"`
	FromEmail  string         `json:"from_email,omitempty"`
	FromName   string         `json:"from_name,omitempty"`
	ReplyTo    string         `json:"reply_to,omitempty"`
	HTML       string         `json:"html"`
	Text       string         `json:"text,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Status     CampaignStatus `json:"status"`
	SegmentIDs []string       `json:"segment_ids"`

	TotalRecipients   int64 `json:"total_recipients"`
	TotalSent         int64 `json:"total_sent"`
	TotalFailed       int64 `json:"total_failed"`
	TotalDelivered    int64 `json:"total_delivered"`
	TotalOpened       int64 `json:"total_opened"`
	TotalClicked      int64 `json:"total_clicked"`
	TotalBounced      int64 `json:"total_bounced"`
	TotalUnsubscribed int64 `json:"total_unsubscribed"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Attachment is a file sent along with a message
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

// CampaignStats holds aggregated delivery counts for a campaign
type CampaignStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
	Bounced   int64 `json:"bounced"`
	Failed    int64 `json:"failed"`
}

// DeliveryTotals counts log entries by the milestones they ever reached,
// read from the per-status timestamps rather than the current status
type DeliveryTotals struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
	Bounced   int64 `json:"bounced"`
	Failed    int64 `json:"failed"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Status CampaignStatus
	Limit  int
	Offset int
}
