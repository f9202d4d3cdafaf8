package models

import "time"

// Recipient is one target address of a campaign.
type Recipient struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	// Variables is a JSON object; recipient values win over campaign and
	// global variables during rendering.
	Variables string    `json:"variables,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SendHourProfile is a recipient's preferred send hour, used by the optimal
// schedule mode.
type SendHourProfile struct {
	Email         string     `json:"email"`
	PreferredHour int        `json:"preferred_hour"` // 0-23 local to Timezone, -1 when unknown
	Timezone      string     `json:"timezone"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
