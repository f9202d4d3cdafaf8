package models

import "time"

// ABTestStatus is the lifecycle of an A/B test.
type ABTestStatus string

const (
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
)

// Metric names the primary metric a test is decided on.
type Metric string

const (
	MetricOpen       Metric = "open"
	MetricClick      Metric = "click"
	MetricConversion Metric = "conversion"
)

// ABTest configures an experiment over a campaign's variants.
type ABTest struct {
	ID         string       `json:"id"`
	CampaignID string       `json:"campaign_id"`
	Name       string       `json:"name"`
	Metric     Metric       `json:"metric"`
	Status     ABTestStatus `json:"status"`

	// ConfidenceLevel for the frequentist path, e.g. 0.95.
	ConfidenceLevel float64 `json:"confidence_level"`
	MinSampleSize   int     `json:"min_sample_size"`

	// Bayesian path settings; ignored unless BayesianEnabled.
	BayesianEnabled       bool    `json:"bayesian_enabled"`
	ProbabilityThreshold  float64 `json:"probability_threshold"`
	ExpectedLossTolerance float64 `json:"expected_loss_tolerance"`

	// AutomaticWinner lets the evaluator trigger the cutover itself;
	// otherwise winner declaration stays a manual orchestrator command.
	AutomaticWinner bool `json:"automatic_winner"`

	WinnerVariantID string     `json:"winner_variant_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Variant is one arm of an A/B test.
type Variant struct {
	ID                string `json:"id"`
	TestID            string `json:"test_id"`
	Name              string `json:"name"`
	IsControl         bool   `json:"is_control"`
	AllocationPercent int    `json:"allocation_percent"`

	// Content overrides applied on top of the campaign.
	SubjectOverride  string `json:"subject_override,omitempty"`
	BodyOverride     string `json:"body_override,omitempty"`
	HTMLOverride     string `json:"html_override,omitempty"`
	FromNameOverride string `json:"from_name_override,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Assignment pins a recipient to a variant for the lifetime of a test.
type Assignment struct {
	TestID    string    `json:"test_id"`
	Email     string    `json:"email"`
	VariantID string    `json:"variant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Counters are per-variant outcome tallies. All updates are plain
// increments so concurrent workers can apply them in any order.
type Counters struct {
	VariantID    string  `json:"variant_id"`
	Sent         int64   `json:"sent"`
	Delivered    int64   `json:"delivered"`
	Opened       int64   `json:"opened"`
	Clicked      int64   `json:"clicked"`
	Converted    int64   `json:"converted"`
	Bounced      int64   `json:"bounced"`
	Unsubscribed int64   `json:"unsubscribed"`
	Revenue      float64 `json:"revenue"`
}

// Successes returns the numerator of the test's primary metric.
func (c *Counters) Successes(metric Metric) int64 {
	switch metric {
	case MetricClick:
		return c.Clicked
	case MetricConversion:
		return c.Converted
	default:
		return c.Opened
	}
}
