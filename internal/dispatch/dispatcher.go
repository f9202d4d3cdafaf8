package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/campaigner/internal/clock"
	"github.com/foxzi/campaigner/internal/email"
	"github.com/foxzi/campaigner/internal/mailer"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/ratelimit"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/retry"
	"github.com/foxzi/campaigner/internal/template"
)

// Config tunes the worker pool.
type Config struct {
	Workers     int           `yaml:"workers"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	IdleMin     time.Duration `yaml:"idle_min"`
	IdleMax     time.Duration `yaml:"idle_max"`

	// GlobalVars is the lowest-precedence template layer.
	GlobalVars map[string]string `yaml:"global_vars,omitempty"`
}

// storeRetryDelay is how long a task waits after a metadata store error
// before another worker picks it up.
const storeRetryDelay = 30 * time.Second

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 10 * time.Second
	}
	if out.IdleMin <= 0 {
		out.IdleMin = 100 * time.Millisecond
	}
	if out.IdleMax <= 0 {
		out.IdleMax = 2 * time.Second
	}
	return out
}

// Dispatcher is the worker pool that drains the send queue under rate-limit
// constraints. Workers lease tasks one at a time, so a crash loses nothing:
// the lease expires and another worker picks the task up.
type Dispatcher struct {
	queue      queue.Queue
	limiter    *ratelimit.Limiter
	policy     *retry.Policy
	mailer     mailer.Mailer
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	abtests    *repository.ABTestRepository
	profiles   *repository.ProfileRepository
	clk        clock.Clock
	logger     *slog.Logger
	cfg        Config

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(
	q queue.Queue,
	limiter *ratelimit.Limiter,
	policy *retry.Policy,
	m mailer.Mailer,
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	abtests *repository.ABTestRepository,
	profiles *repository.ProfileRepository,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:      q,
		limiter:    limiter,
		policy:     policy,
		mailer:     m,
		campaigns:  campaigns,
		recipients: recipients,
		abtests:    abtests,
		profiles:   profiles,
		clk:        clk,
		logger:     logger.With("component", "dispatcher"),
		cfg:        cfg.withDefaults(),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool and the queue gauge loop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
	d.wg.Add(1)
	go d.gaugeLoop(ctx)
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers)
}

// Stop waits for in-flight tasks to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id string) {
	defer d.wg.Done()

	idle := d.cfg.IdleMin
	outage := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		task, err := d.queue.LeaseNext(ctx, id)
		if err != nil {
			d.logger.Error("lease failed", "worker", id, "error", err)
			if !d.sleep(idle) {
				return
			}
			idle = backoff(idle, d.cfg.IdleMax)
			continue
		}
		if task == nil {
			if !d.sleep(idle) {
				return
			}
			idle = backoff(idle, d.cfg.IdleMax)
			continue
		}
		idle = d.cfg.IdleMin

		if d.process(ctx, id, task) {
			outage = 0
			continue
		}
		// The mailer looks unreachable; hold leases back while it
		// recovers instead of burning attempts.
		outage++
		if outage >= 3 {
			wait := backoff(d.cfg.IdleMax, 30*time.Second)
			d.logger.Warn("repeated transport failures, backing off",
				"worker", id, "wait", wait)
			if !d.sleep(wait) {
				return
			}
		}
	}
}

// process handles one leased task end to end. The return value is false only
// for transport-level failures, which feed the outage backoff.
func (d *Dispatcher) process(ctx context.Context, workerID string, task *queue.Task) bool {
	now := d.clk.Now()
	log := d.logger.With("worker", workerID, "task_id", task.ID, "campaign_id", task.CampaignID)

	c, err := d.campaigns.GetByID(task.CampaignID)
	if err != nil {
		// Metadata store hiccup. The send was never attempted, so give
		// the task back with a delay instead of burning an attempt.
		log.Warn("campaign lookup failed, deferring", "error", err)
		metrics.IncRequeues("store")
		d.complete(ctx, log, task.ID, queue.Outcome{
			Status:        queue.OutcomeRequeue,
			NextAttemptAt: now.Add(storeRetryDelay),
			CountAttempt:  false,
			Err:           fmt.Sprintf("campaign lookup: %v", err),
		})
		return true
	}
	if c == nil {
		log.Error("campaign missing", "campaign_id", task.CampaignID)
		d.complete(ctx, log, task.ID, queue.Outcome{
			Status:       queue.OutcomeFailed,
			CountAttempt: true,
			Err:          fmt.Sprintf("campaign %s not found", task.CampaignID),
		})
		return true
	}

	res := d.limiter.AcquireAll(ratelimit.Request{
		UserID:     c.UserID,
		CampaignID: task.CampaignID,
		Recipient:  task.Recipient,
	}, 1)
	if !res.Allowed {
		metrics.IncRateLimitDenied(string(res.DeniedBy))
		metrics.IncRequeues("throttled")
		d.complete(ctx, log, task.ID, queue.Outcome{
			Status:        queue.OutcomeRequeue,
			NextAttemptAt: now.Add(res.RetryAfter),
			CountAttempt:  false,
		})
		return true
	}

	msg, err := d.render(c, task)
	if err != nil {
		log.Error("render failed", "error", err)
		d.complete(ctx, log, task.ID, queue.Outcome{
			Status:       queue.OutcomeFailed,
			CountAttempt: true,
			Err:          err.Error(),
		})
		return true
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	providerID, err := d.mailer.Send(sendCtx, msg)
	cancel()
	metrics.ObserveSendSeconds(time.Since(start).Seconds())

	domain := email.ExtractDomainOrDefault(task.Recipient, "invalid")
	if err == nil {
		d.complete(ctx, log, task.ID, queue.Outcome{
			Status:            queue.OutcomeSent,
			CountAttempt:      true,
			ProviderMessageID: providerID,
		})
		metrics.IncSends(domain)
		d.recordSent(task, now)
		log.Debug("task sent", "recipient", task.Recipient, "provider_id", providerID)
		return true
	}

	kind := mailer.Classify(err)
	if sendCtx.Err() == context.DeadlineExceeded {
		kind = retry.Transient
	}
	metrics.IncSendFailures(domain, string(kind))

	attempts := task.AttemptCount + 1
	rateLimited := task.RateLimitedCount
	if kind == retry.RateLimited {
		attempts = task.AttemptCount
		rateLimited++
	}

	action := d.policy.NextAction(attempts, rateLimited, kind)
	if action.GiveUp {
		d.complete(ctx, log, task.ID, queue.Outcome{
			Status:       queue.OutcomeFailed,
			CountAttempt: true,
			Err:          err.Error(),
		})
		if kind == retry.PermanentReject && task.VariantID != "" {
			d.increment(task.VariantID, "bounced")
		}
		log.Warn("task failed permanently",
			"recipient", task.Recipient, "kind", kind, "error", err)
		return kind != retry.Transient
	}

	d.complete(ctx, log, task.ID, queue.Outcome{
		Status:        queue.OutcomeRequeue,
		NextAttemptAt: now.Add(action.After),
		CountAttempt:  kind != retry.RateLimited,
		Err:           err.Error(),
	})
	metrics.IncRequeues(string(kind))
	log.Debug("task requeued",
		"recipient", task.Recipient, "kind", kind, "after", action.After)
	return kind != retry.Transient && kind != retry.Unknown
}

// render assembles the final message: variant overrides were applied at
// enqueue time, variables are substituted here at send time.
func (d *Dispatcher) render(c *models.Campaign, task *queue.Task) (*mailer.Message, error) {
	campaignVars, err := template.ParseVars(c.Variables)
	if err != nil {
		return nil, fmt.Errorf("campaign variables: %w", err)
	}

	recipientVars := map[string]string{"email": task.Recipient}
	rec, err := d.recipients.Get(task.CampaignID, task.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient lookup: %w", err)
	}
	if rec != nil {
		parsed, err := template.ParseVars(rec.Variables)
		if err != nil {
			return nil, fmt.Errorf("recipient variables: %w", err)
		}
		for k, v := range parsed {
			recipientVars[k] = v
		}
		if rec.Name != "" {
			recipientVars["name"] = rec.Name
		}
	}

	vars := template.Merge(d.cfg.GlobalVars, campaignVars, recipientVars)
	return &mailer.Message{
		From:     task.FromEmail,
		FromName: task.FromName,
		To:       task.Recipient,
		Subject:  template.Render(task.Subject, vars),
		Body:     template.Render(task.Body, vars),
		HTML:     template.Render(task.HTML, vars),
	}, nil
}

func (d *Dispatcher) recordSent(task *queue.Task, now time.Time) {
	if task.VariantID != "" {
		d.increment(task.VariantID, "sent")
	}
	if err := d.profiles.TouchLastSent(task.Recipient, now); err != nil {
		d.logger.Warn("failed to update send profile",
			"recipient", task.Recipient, "error", err)
	}
}

func (d *Dispatcher) increment(variantID, counter string) {
	if err := d.abtests.Increment(variantID, counter, 1); err != nil {
		d.logger.Warn("failed to increment variant counter",
			"variant_id", variantID, "counter", counter, "error", err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, log *slog.Logger, taskID string, outcome queue.Outcome) {
	if err := d.queue.Complete(ctx, taskID, outcome); err != nil {
		log.Error("failed to record outcome", "status", outcome.Status, "error", err)
	}
}

func (d *Dispatcher) gaugeLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			ov, err := d.queue.Overview(ctx)
			if err != nil {
				d.logger.Warn("queue overview failed", "error", err)
				continue
			}
			metrics.SetQueueDepth(ov.Queued, ov.Leased)
		}
	}
}

// sleep waits for d or until shutdown; it reports whether to keep running.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	select {
	case <-d.stopCh:
		return false
	case <-time.After(dur):
		return true
	}
}

func backoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
