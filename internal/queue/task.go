package queue

import (
	"fmt"
	"time"
)

// TaskStatus represents the status of a send task in the queue.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusLeased    TaskStatus = "leased"
	StatusSent      TaskStatus = "sent"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the terminal states.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Task represents one intended email to one recipient.
type Task struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body,omitempty"`
	HTML       string `json:"html,omitempty"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name,omitempty"`

	// Priority 1-10, higher leases first.
	Priority int        `json:"priority"`
	Status   TaskStatus `json:"status"`

	// NotBefore is the earliest instant the task may be leased.
	NotBefore time.Time `json:"not_before"`

	AttemptCount     int       `json:"attempt_count"`
	RateLimitedCount int       `json:"rate_limited_count"`
	MaxAttempts      int       `json:"max_attempts"`
	LastAttemptAt    time.Time `json:"last_attempt_at,omitempty"`
	LastError        string    `json:"last_error,omitempty"`

	// VariantID is set when the campaign runs an A/B test.
	VariantID string `json:"variant_id,omitempty"`

	// OccurrenceIndex identifies which fire of a recurring rule produced
	// this task. Part of the dedupe key so re-expansion is idempotent.
	OccurrenceIndex int `json:"occurrence_index"`

	// DedupeKey is campaign:recipient:variant:occurrence. Enqueue of a
	// task whose dedupe key already exists is a no-op.
	DedupeKey string `json:"dedupe_key"`

	// Lease ownership survives process restarts; a lease whose expiry has
	// passed is reclaimable by any worker.
	LeaseOwner  string    `json:"lease_owner,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	ProviderMessageID string `json:"provider_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DedupeKey builds the idempotency key for a task.
func DedupeKey(campaignID, recipient, variantID string, occurrence int) string {
	return fmt.Sprintf("%s:%s:%s:%d", campaignID, recipient, variantID, occurrence)
}

// OutcomeStatus is the disposition a worker reports for a leased task.
type OutcomeStatus string

const (
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeRequeue OutcomeStatus = "requeue"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome describes how processing of a leased task ended.
type Outcome struct {
	Status OutcomeStatus

	// NextAttemptAt is required for OutcomeRequeue.
	NextAttemptAt time.Time

	// CountAttempt is false when the requeue is throttling deferral rather
	// than a real failure; the soft rate-limited counter is bumped instead.
	CountAttempt bool

	Err               string
	ProviderMessageID string
}

// Stats represents queue-wide counts by status.
type Stats struct {
	Queued    int64 `json:"queued"`
	Leased    int64 `json:"leased"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// CampaignStats is the per-campaign slice of an Overview.
type CampaignStats struct {
	CampaignID string `json:"campaign_id"`
	Stats
}

// Overview is the read model consumed by the monitoring API.
type Overview struct {
	Stats
	Campaigns []CampaignStats `json:"campaigns"`
}

// ListFilter represents filter options for listing tasks.
type ListFilter struct {
	Status     TaskStatus
	CampaignID string
	Limit      int
	Offset     int
}
