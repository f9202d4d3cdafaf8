package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/campaigner/internal/clock"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/ratelimit"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/schedule"
)

// ErrInvalidTransition is returned for lifecycle commands that do not apply
// to the campaign's current status.
type ErrInvalidTransition struct {
	CampaignID string
	From       models.CampaignStatus
	To         models.CampaignStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("campaign %s: invalid transition %s -> %s", e.CampaignID, e.From, e.To)
}

// Orchestrator owns campaign lifecycle state. All status changes flow
// through it; the scheduler, queue and rate limiter are driven from here in
// response to commands and to queue drain events.
type Orchestrator struct {
	campaigns *repository.CampaignRepository
	abtests   *repository.ABTestRepository
	scheduler *schedule.Scheduler
	queue     queue.Queue
	limiter   *ratelimit.Limiter
	clk       clock.Clock
	logger    *slog.Logger

	pollInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
}

func NewOrchestrator(
	campaigns *repository.CampaignRepository,
	abtests *repository.ABTestRepository,
	scheduler *schedule.Scheduler,
	q queue.Queue,
	limiter *ratelimit.Limiter,
	clk clock.Clock,
	logger *slog.Logger,
	pollInterval time.Duration,
) *Orchestrator {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Orchestrator{
		campaigns:    campaigns,
		abtests:      abtests,
		scheduler:    scheduler,
		queue:        q,
		limiter:      limiter,
		clk:          clk,
		logger:       logger.With("component", "orchestrator"),
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Activate moves a draft campaign to scheduled, expands its schedule into
// queue tasks, and marks it sending. Expansion errors leave the campaign in
// draft so the configuration can be fixed and activation retried.
func (o *Orchestrator) Activate(ctx context.Context, campaignID string) error {
	c, err := o.load(campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		return &ErrInvalidTransition{CampaignID: c.ID, From: c.Status, To: models.CampaignScheduled}
	}

	added, err := o.scheduler.Activate(ctx, c)
	if err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}

	if err := o.campaigns.UpdateStatus(c.ID, models.CampaignScheduled); err != nil {
		return err
	}
	if err := o.campaigns.UpdateStatus(c.ID, models.CampaignSending); err != nil {
		return err
	}

	o.logger.Info("campaign activated", "campaign_id", c.ID, "enqueued", added)
	return nil
}

// Pause halts leasing for the campaign by dropping its rate-limit scope to
// zero capacity. Queued tasks stay queued; in-flight leases run out
// normally.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) error {
	c, err := o.load(campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignSending && c.Status != models.CampaignScheduled {
		return &ErrInvalidTransition{CampaignID: c.ID, From: c.Status, To: models.CampaignPaused}
	}

	o.limiter.SetCapacity(ratelimit.LevelCampaign, c.ID, 0)
	if err := o.campaigns.UpdateStatus(c.ID, models.CampaignPaused); err != nil {
		return err
	}
	o.logger.Info("campaign paused", "campaign_id", c.ID)
	return nil
}

// Resume restores the campaign's rate-limit scope and puts it back to
// sending.
func (o *Orchestrator) Resume(ctx context.Context, campaignID string) error {
	c, err := o.load(campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignPaused {
		return &ErrInvalidTransition{CampaignID: c.ID, From: c.Status, To: models.CampaignSending}
	}

	o.limiter.RestoreCapacity(ratelimit.LevelCampaign, c.ID)
	if err := o.campaigns.UpdateStatus(c.ID, models.CampaignSending); err != nil {
		return err
	}
	o.logger.Info("campaign resumed", "campaign_id", c.ID)
	return nil
}

// Cancel terminates a non-terminal campaign and bulk-cancels its pending
// tasks. Tasks already leased complete their attempt but are not requeued.
func (o *Orchestrator) Cancel(ctx context.Context, campaignID string) error {
	c, err := o.load(campaignID)
	if err != nil {
		return err
	}
	if c.Status.IsTerminal() {
		return &ErrInvalidTransition{CampaignID: c.ID, From: c.Status, To: models.CampaignCancelled}
	}

	cancelled, err := o.queue.CancelByCampaign(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel queued tasks: %w", err)
	}
	o.limiter.RestoreCapacity(ratelimit.LevelCampaign, c.ID)
	if err := o.campaigns.UpdateStatus(c.ID, models.CampaignCancelled); err != nil {
		return err
	}
	o.logger.Info("campaign cancelled", "campaign_id", c.ID, "tasks_cancelled", cancelled)
	return nil
}

// DeclareWinner records an A/B test winner and is the only place traffic
// cutover happens. Post-winner variant assignments all land on the winner.
func (o *Orchestrator) DeclareWinner(ctx context.Context, test *models.ABTest, variantID string) error {
	if err := o.abtests.DeclareWinner(test.ID, variantID); err != nil {
		return err
	}
	o.logger.Info("ab test winner declared",
		"test_id", test.ID, "campaign_id", test.CampaignID, "variant_id", variantID)
	return nil
}

// Start launches the completion-detection loop.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.run(ctx)
}

func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.checkCompleted(ctx)
		}
	}
}

// checkCompleted moves sending campaigns whose tasks have all reached a
// terminal status to sent.
func (o *Orchestrator) checkCompleted(ctx context.Context) {
	sending, err := o.campaigns.ListByStatus(models.CampaignSending)
	if err != nil {
		o.logger.Error("failed to list sending campaigns", "error", err)
		return
	}

	for _, c := range sending {
		pending, err := o.queue.PendingForCampaign(ctx, c.ID)
		if err != nil {
			o.logger.Error("failed to count pending tasks", "campaign_id", c.ID, "error", err)
			continue
		}
		if pending > 0 {
			continue
		}
		// A recurring campaign may simply not have fired yet; only
		// complete once something was actually enqueued.
		stats, err := o.queue.Overview(ctx)
		if err != nil {
			o.logger.Error("failed to read queue overview", "error", err)
			continue
		}
		total := int64(0)
		for _, cs := range stats.Campaigns {
			if cs.CampaignID == c.ID {
				total = cs.Total
			}
		}
		if total == 0 {
			continue
		}
		if err := o.campaigns.UpdateStatus(c.ID, models.CampaignSent); err != nil {
			o.logger.Error("failed to complete campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		metrics.IncCampaignsCompleted()
		o.logger.Info("campaign completed", "campaign_id", c.ID)
	}
}

// FailureSummary aggregates task outcomes for one campaign, surfaced to the
// monitoring API.
type FailureSummary struct {
	CampaignID string `json:"campaign_id"`
	Failed     int64  `json:"failed"`
	Sent       int64  `json:"sent"`
	LastError  string `json:"last_error,omitempty"`
}

// Failures builds a per-campaign failure summary from recent queue state.
func (o *Orchestrator) Failures(ctx context.Context, campaignID string) (*FailureSummary, error) {
	tasks, err := o.queue.List(ctx, queue.ListFilter{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	sum := &FailureSummary{CampaignID: campaignID}
	var lastAt time.Time
	for _, t := range tasks {
		switch t.Status {
		case queue.StatusFailed:
			sum.Failed++
		case queue.StatusSent:
			sum.Sent++
		}
		if t.LastError != "" && t.LastAttemptAt.After(lastAt) {
			lastAt = t.LastAttemptAt
			sum.LastError = t.LastError
		}
	}
	return sum, nil
}

func (o *Orchestrator) load(campaignID string) (*models.Campaign, error) {
	c, err := o.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}
	return c, nil
}
