package schedule

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleType selects how a campaign's send times are derived.
type RuleType string

const (
	TypeImmediate RuleType = "immediate"
	TypeFixedTime RuleType = "fixed_time"
	TypeRecurring RuleType = "recurring"
	TypeOptimal   RuleType = "optimal"
)

// Pattern is the recurrence cadence.
type Pattern string

const (
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
)

// Rule is a campaign's schedule definition. It is stored JSON-encoded on the
// campaign and is immutable once the campaign is activated.
type Rule struct {
	Type     RuleType `json:"type"`
	Timezone string   `json:"timezone,omitempty"`

	// SendAt is the single fire time for fixed_time rules, interpreted in
	// Timezone when it carries no offset of its own.
	SendAt *time.Time `json:"send_at,omitempty"`

	Recurring *Recurring `json:"recurring,omitempty"`
	Optimal   *Optimal   `json:"optimal,omitempty"`
}

// Recurring describes a repeating series anchored at Start.
type Recurring struct {
	Pattern  Pattern   `json:"pattern"`
	Interval int       `json:"interval"` // every N days/weeks/months, min 1
	Start    time.Time `json:"start"`
	AtHour   int       `json:"at_hour"`
	AtMinute int       `json:"at_minute"`

	// Weekly only. Empty means the weekday of Start.
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	// Monthly only. 29-31 clamp to the last day of short months.
	DayOfMonth int `json:"day_of_month,omitempty"`

	EndDate        *time.Time `json:"end_date,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
}

// Optimal sends each recipient at their preferred hour.
type Optimal struct {
	// DefaultHour is used for recipients without a recorded profile.
	DefaultHour int `json:"default_hour"`
	// MinHoursBetweenSends pushes a recipient's slot forward when they
	// received mail recently. Zero disables the gap.
	MinHoursBetweenSends int `json:"min_hours_between_sends,omitempty"`
}

// ParseRule decodes a stored rule. An empty string means immediate.
func ParseRule(s string) (*Rule, error) {
	if s == "" {
		return &Rule{Type: TypeImmediate}, nil
	}
	var r Rule
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("invalid schedule rule: %w", err)
	}
	return &r, nil
}

// Encode serializes a rule for storage on the campaign.
func (r *Rule) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Location resolves the rule's timezone, defaulting to UTC.
func (r *Rule) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// Validate rejects malformed rules before activation.
func (r *Rule) Validate() error {
	if _, err := r.Location(); err != nil {
		return err
	}

	switch r.Type {
	case TypeImmediate:
		return nil

	case TypeFixedTime:
		if r.SendAt == nil {
			return fmt.Errorf("fixed_time rule requires send_at")
		}
		return nil

	case TypeRecurring:
		rec := r.Recurring
		if rec == nil {
			return fmt.Errorf("recurring rule requires recurring block")
		}
		if rec.Interval < 1 {
			return fmt.Errorf("recurring interval must be >= 1, got %d", rec.Interval)
		}
		if rec.Start.IsZero() {
			return fmt.Errorf("recurring rule requires start")
		}
		if rec.AtHour < 0 || rec.AtHour > 23 {
			return fmt.Errorf("at_hour must be 0-23, got %d", rec.AtHour)
		}
		if rec.AtMinute < 0 || rec.AtMinute > 59 {
			return fmt.Errorf("at_minute must be 0-59, got %d", rec.AtMinute)
		}
		switch rec.Pattern {
		case PatternDaily:
		case PatternWeekly:
			for _, d := range rec.DaysOfWeek {
				if d < time.Sunday || d > time.Saturday {
					return fmt.Errorf("invalid day of week: %d", d)
				}
			}
		case PatternMonthly:
			if rec.DayOfMonth < 1 || rec.DayOfMonth > 31 {
				return fmt.Errorf("day_of_month must be 1-31, got %d", rec.DayOfMonth)
			}
		default:
			return fmt.Errorf("unknown recurrence pattern: %q", rec.Pattern)
		}
		return nil

	case TypeOptimal:
		opt := r.Optimal
		if opt == nil {
			return fmt.Errorf("optimal rule requires optimal block")
		}
		if opt.DefaultHour < 0 || opt.DefaultHour > 23 {
			return fmt.Errorf("default_hour must be 0-23, got %d", opt.DefaultHour)
		}
		if opt.MinHoursBetweenSends < 0 {
			return fmt.Errorf("min_hours_between_sends must be >= 0")
		}
		return nil

	default:
		return fmt.Errorf("unknown schedule type: %q", r.Type)
	}
}
