package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/abtest"
	"github.com/foxzi/campaigner/internal/clock"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/repository"
)

const defaultLookahead = 30 * 24 * time.Hour

// maxOptimalDelay bounds how far past activation an optimal-hour slot may
// land before falling back to the earliest permissible time.
const maxOptimalDelay = 7 * 24 * time.Hour

// Scheduler expands an activated campaign's schedule rule into queue tasks.
// Expansion is idempotent: every task carries a dedupe key derived from
// campaign, recipient, variant and occurrence index, so re-activation after
// a restart enqueues only what is not already there.
type Scheduler struct {
	recipients *repository.RecipientRepository
	profiles   *repository.ProfileRepository
	allocator  *abtest.Allocator
	queue      queue.Queue
	clk        clock.Clock
	logger     *slog.Logger
	lookahead  time.Duration
}

func New(
	recipients *repository.RecipientRepository,
	profiles *repository.ProfileRepository,
	allocator *abtest.Allocator,
	q queue.Queue,
	clk clock.Clock,
	logger *slog.Logger,
	lookahead time.Duration,
) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	return &Scheduler{
		recipients: recipients,
		profiles:   profiles,
		allocator:  allocator,
		queue:      q,
		clk:        clk,
		logger:     logger.With("component", "scheduler"),
		lookahead:  lookahead,
	}
}

// Activate expands the campaign into queue tasks and returns how many were
// newly enqueued. Configuration problems (malformed rule, bad variant
// allocations) fail the whole call before anything is enqueued.
func (s *Scheduler) Activate(ctx context.Context, c *models.Campaign) (int, error) {
	rule, err := ParseRule(c.Schedule)
	if err != nil {
		return 0, err
	}
	if err := rule.Validate(); err != nil {
		return 0, fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	loc, err := rule.Location()
	if err != nil {
		return 0, err
	}

	var test *models.ABTest
	var variants []*models.Variant
	if c.ABTestID != "" {
		test, variants, err = s.allocator.Prepare(c.ABTestID)
		if err != nil {
			return 0, fmt.Errorf("campaign %s: %w", c.ID, err)
		}
	}

	recipients, err := s.recipients.ListByCampaign(c.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load recipients: %w", err)
	}
	if len(recipients) == 0 {
		s.logger.Warn("campaign has no recipients", "campaign_id", c.ID)
		return 0, nil
	}

	now := s.clk.Now()
	occurrences, err := s.expand(rule, loc, now)
	if err != nil {
		return 0, err
	}
	if len(occurrences) == 0 {
		s.logger.Info("schedule yields no upcoming occurrences",
			"campaign_id", c.ID, "type", rule.Type)
		return 0, nil
	}

	added := 0
	for _, occ := range occurrences {
		for _, r := range recipients {
			task, err := s.buildTask(ctx, c, r, rule, loc, test, variants, occ, now)
			if err != nil {
				return added, err
			}
			fresh, err := s.queue.Enqueue(ctx, task)
			if err != nil {
				return added, fmt.Errorf("failed to enqueue for %s: %w", r.Email, err)
			}
			if fresh {
				added++
			}
		}
	}

	metrics.AddTasksEnqueued(added)
	s.logger.Info("campaign expanded",
		"campaign_id", c.ID,
		"type", rule.Type,
		"recipients", len(recipients),
		"occurrences", len(occurrences),
		"enqueued", added)
	return added, nil
}

// expand turns the rule into occurrence slots. Immediate and fixed rules are
// a single occurrence; optimal is one occurrence whose time is refined per
// recipient in buildTask.
func (s *Scheduler) expand(rule *Rule, loc *time.Location, now time.Time) ([]Occurrence, error) {
	switch rule.Type {
	case TypeImmediate, TypeOptimal:
		return []Occurrence{{Index: 0, At: now}}, nil

	case TypeFixedTime:
		at := *rule.SendAt
		if at.Location() == time.UTC && rule.Timezone != "" {
			// Stored without an explicit offset; reinterpret the wall
			// clock in the rule's timezone.
			at = time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), at.Minute(), at.Second(), 0, loc)
		}
		return []Occurrence{{Index: 0, At: at}}, nil

	case TypeRecurring:
		return Occurrences(rule.Recurring, loc, now, s.lookahead), nil

	default:
		return nil, fmt.Errorf("unknown schedule type: %q", rule.Type)
	}
}

func (s *Scheduler) buildTask(
	ctx context.Context,
	c *models.Campaign,
	r *models.Recipient,
	rule *Rule,
	loc *time.Location,
	test *models.ABTest,
	variants []*models.Variant,
	occ Occurrence,
	now time.Time,
) (*queue.Task, error) {
	task := &queue.Task{
		ID:              uuid.New().String(),
		CampaignID:      c.ID,
		Recipient:       r.Email,
		Subject:         c.Subject,
		Body:            c.Body,
		HTML:            c.HTML,
		FromEmail:       c.FromEmail,
		FromName:        c.FromName,
		Priority:        c.Priority,
		NotBefore:       occ.At,
		OccurrenceIndex: occ.Index,
	}

	if test != nil {
		variantID, err := s.allocator.Assign(test, variants, r.Email)
		if err != nil {
			return nil, fmt.Errorf("variant assignment for %s: %w", r.Email, err)
		}
		task.VariantID = variantID
		applyOverrides(task, variants, variantID)
	}

	if rule.Type == TypeOptimal {
		at, err := s.optimalSlot(r.Email, rule.Optimal, loc, now)
		if err != nil {
			return nil, err
		}
		task.NotBefore = at
	}

	task.DedupeKey = queue.DedupeKey(c.ID, r.Email, task.VariantID, occ.Index)
	return task, nil
}

func applyOverrides(task *queue.Task, variants []*models.Variant, variantID string) {
	for _, v := range variants {
		if v.ID != variantID {
			continue
		}
		if v.SubjectOverride != "" {
			task.Subject = v.SubjectOverride
		}
		if v.BodyOverride != "" {
			task.Body = v.BodyOverride
		}
		if v.HTMLOverride != "" {
			task.HTML = v.HTMLOverride
		}
		if v.FromNameOverride != "" {
			task.FromName = v.FromNameOverride
		}
		return
	}
}

// optimalSlot finds the next time the recipient's preferred hour comes
// around in their timezone, pushed past any minimum gap since their last
// send.
func (s *Scheduler) optimalSlot(email string, opt *Optimal, loc *time.Location, now time.Time) (time.Time, error) {
	hour := opt.DefaultHour
	sendLoc := loc
	var lastSent *time.Time

	profile, err := s.profiles.Get(email)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load send profile for %s: %w", email, err)
	}
	if profile != nil {
		if profile.PreferredHour >= 0 {
			hour = profile.PreferredHour
		}
		if profile.Timezone != "" {
			if ploc, err := time.LoadLocation(profile.Timezone); err == nil {
				sendLoc = ploc
			}
		}
		lastSent = profile.LastSentAt
	}

	earliest := now
	if opt.MinHoursBetweenSends > 0 && lastSent != nil {
		if gap := lastSent.Add(time.Duration(opt.MinHoursBetweenSends) * time.Hour); gap.After(earliest) {
			earliest = gap
		}
	}

	local := earliest.In(sendLoc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, sendLoc)
	if slot.Before(earliest) {
		slot = slot.AddDate(0, 0, 1)
	}
	// The preferred-hour search is bounded; past the bound the message
	// goes out as soon as the minimum gap allows rather than waiting
	// another day for the hour to come around.
	if slot.After(now.Add(maxOptimalDelay)) {
		slot = earliest
	}
	return slot, nil
}
