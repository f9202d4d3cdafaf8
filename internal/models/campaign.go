package models

import "time"

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignSent      CampaignStatus = "sent"
	CampaignCancelled CampaignStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignSent || s == CampaignCancelled
}

// Campaign represents an email campaign.
type Campaign struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	HTML      string `json:"html"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
	ReplyTo   string `json:"reply_to"`

	// Priority 1-10 carried onto every task of the campaign.
	Priority int `json:"priority"`

	Status CampaignStatus `json:"status"`

	// Schedule is the JSON-encoded schedule.Rule. Immutable once the
	// campaign is activated.
	Schedule string `json:"schedule"`

	// Variables is a JSON object merged under recipient variables when
	// rendering.
	Variables string `json:"variables,omitempty"`

	// ABTestID links the campaign to its A/B test, if any.
	ABTestID string `json:"ab_test_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CampaignListFilter filters campaign listings.
type CampaignListFilter struct {
	Status CampaignStatus
	UserID string
	Limit  int
	Offset int
}
