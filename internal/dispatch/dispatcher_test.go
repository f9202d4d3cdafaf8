package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/clock"
	"github.com/foxzi/campaigner/internal/mailer"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/queue"
	"github.com/foxzi/campaigner/internal/ratelimit"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/retry"
)

type testEnv struct {
	db         *repository.DB
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	abtests    *repository.ABTestRepository
	profiles   *repository.ProfileRepository
	storage    *queue.BoltStorage
	limiter    *ratelimit.Limiter
	mail       *mailer.MemoryMailer
	clk        *clock.Manual
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, limits *ratelimit.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.New(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	storage, err := queue.NewBoltStorage(filepath.Join(dir, "queue.db"), queue.Options{Clock: clk})
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	if limits == nil {
		limits = &ratelimit.Config{
			Global: &ratelimit.LimitConfig{Capacity: 1000, RefillPerSec: 1000},
		}
	}
	limiter, err := ratelimit.NewLimiter(nil, limits, clk)
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	env := &testEnv{
		db:         db,
		campaigns:  repository.NewCampaignRepository(db.DB),
		recipients: repository.NewRecipientRepository(db.DB),
		abtests:    repository.NewABTestRepository(db.DB),
		profiles:   repository.NewProfileRepository(db.DB),
		storage:    storage,
		limiter:    limiter,
		mail:       mailer.NewMemoryMailer(),
		clk:        clk,
	}
	policy := retry.NewPolicy(time.Second, time.Minute, 3)
	env.dispatcher = New(storage, limiter, policy, env.mail,
		env.campaigns, env.recipients, env.abtests, env.profiles,
		clk, nil, Config{Workers: 2, IdleMin: time.Millisecond, IdleMax: 5 * time.Millisecond})
	return env
}

func (env *testEnv) createCampaign(t *testing.T, variables string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:      "camp",
		Subject:   "Hi {{name}}",
		Body:      "Your offer: {{offer}}",
		FromEmail: "news@example.com",
		FromName:  "Acme",
		Variables: variables,
	}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return c
}

func (env *testEnv) enqueue(t *testing.T, c *models.Campaign, recipient string) *queue.Task {
	t.Helper()
	task := &queue.Task{
		ID:         uuid.New().String(),
		CampaignID: c.ID,
		Recipient:  recipient,
		Subject:    c.Subject,
		Body:       c.Body,
		FromEmail:  c.FromEmail,
		FromName:   c.FromName,
		Priority:   5,
		NotBefore:  env.clk.Now(),
	}
	if _, err := env.storage.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return task
}

func (env *testEnv) lease(t *testing.T) *queue.Task {
	t.Helper()
	task, err := env.storage.LeaseNext(context.Background(), "w-test")
	if err != nil {
		t.Fatalf("LeaseNext failed: %v", err)
	}
	if task == nil {
		t.Fatal("LeaseNext returned no task")
	}
	return task
}

func TestProcessSendsAndRenders(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, `{"offer":"10%"}`)
	if _, err := env.recipients.Add(c.ID, []*models.Recipient{
		{Email: "ada@example.com", Name: "Ada", Variables: `{"offer":"25%"}`},
	}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	env.enqueue(t, c, "ada@example.com")

	env.dispatcher.process(ctx, "w-test", env.lease(t))

	msgs := env.mail.Messages()
	if len(msgs) != 1 {
		t.Fatalf("captured %d messages, want 1", len(msgs))
	}
	if msgs[0].Subject != "Hi Ada" {
		t.Errorf("subject = %q, want recipient name substituted", msgs[0].Subject)
	}
	// Recipient variables override campaign variables.
	if msgs[0].Body != "Your offer: 25%" {
		t.Errorf("body = %q, want recipient override", msgs[0].Body)
	}

	tasks, _ := env.storage.List(ctx, queue.ListFilter{CampaignID: c.ID})
	if tasks[0].Status != queue.StatusSent {
		t.Errorf("status = %s, want sent", tasks[0].Status)
	}
	if tasks[0].ProviderMessageID == "" {
		t.Error("provider message id not recorded")
	}

	// The send stamped the recipient's profile.
	p, err := env.profiles.Get("ada@example.com")
	if err != nil || p == nil || p.LastSentAt == nil {
		t.Errorf("profile not touched: %+v err=%v", p, err)
	}
}

func TestProcessDenialIsDeferralNotFailure(t *testing.T) {
	env := newTestEnv(t, &ratelimit.Config{
		Global: &ratelimit.LimitConfig{Capacity: 0, RefillPerSec: 1},
	})
	ctx := context.Background()
	c := env.createCampaign(t, "")
	env.enqueue(t, c, "a@example.com")

	env.dispatcher.process(ctx, "w-test", env.lease(t))

	if env.mail.Count() != 0 {
		t.Fatal("denied task still reached the mailer")
	}
	tasks, _ := env.storage.List(ctx, queue.ListFilter{CampaignID: c.ID})
	task := tasks[0]
	if task.Status != queue.StatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}
	if task.AttemptCount != 0 {
		t.Errorf("attempt count = %d, deferral must not count", task.AttemptCount)
	}
	if !task.NotBefore.After(env.clk.Now()) {
		t.Errorf("not_before = %v, want pushed past now", task.NotBefore)
	}
}

func TestProcessStoreErrorDefersTask(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, "")
	env.enqueue(t, c, "a@example.com")
	leased := env.lease(t)

	// Take the metadata store away mid-flight.
	env.db.Close()

	env.dispatcher.process(ctx, "w-test", leased)

	if env.mail.Count() != 0 {
		t.Fatal("task reached the mailer without a campaign")
	}
	tasks, _ := env.storage.List(ctx, queue.ListFilter{CampaignID: c.ID})
	task := tasks[0]
	if task.Status != queue.StatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}
	if task.AttemptCount != 0 {
		t.Errorf("attempt count = %d, store outage must not count", task.AttemptCount)
	}
	if !task.NotBefore.After(env.clk.Now()) {
		t.Errorf("not_before = %v, want pushed past now", task.NotBefore)
	}
}

func TestProcessMissingCampaignFailsTask(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, "")
	env.enqueue(t, c, "a@example.com")
	leased := env.lease(t)

	if err := env.campaigns.Delete(c.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	env.dispatcher.process(ctx, "w-test", leased)

	got, _ := env.storage.Get(ctx, leased.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestProcessPermanentRejectFailsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, "")
	env.enqueue(t, c, "bad@example.com")
	env.mail.FailWith("bad@example.com", &mailer.Error{
		Kind: retry.PermanentReject, Detail: "550 user unknown",
	})

	env.dispatcher.process(ctx, "w-test", env.lease(t))

	tasks, _ := env.storage.List(ctx, queue.ListFilter{CampaignID: c.ID})
	task := tasks[0]
	if task.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed after a single attempt", task.Status)
	}
	if task.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", task.AttemptCount)
	}
	if task.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestProcessTransientRetriesThenGivesUp(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, "")
	env.enqueue(t, c, "flaky@example.com")
	env.mail.FailWith("flaky@example.com", &mailer.Error{
		Kind: retry.Transient, Detail: "connection reset",
	})

	// Policy allows 3 attempts.
	for attempt := 1; attempt <= 3; attempt++ {
		env.dispatcher.process(ctx, "w-test", env.lease(t))
		tasks, _ := env.storage.List(ctx, queue.ListFilter{CampaignID: c.ID})
		task := tasks[0]
		if task.AttemptCount != attempt {
			t.Fatalf("attempt count = %d, want %d", task.AttemptCount, attempt)
		}
		if attempt < 3 {
			if task.Status != queue.StatusQueued {
				t.Fatalf("status = %s after attempt %d, want queued", task.Status, attempt)
			}
			// Jump past the backoff so the task is leaseable again.
			env.clk.Set(task.NotBefore.Add(time.Second))
		} else if task.Status != queue.StatusFailed {
			t.Fatalf("status = %s after final attempt, want failed", task.Status)
		}
	}
}

func TestProcessRateLimitedUsesSoftCeiling(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, "")
	env.enqueue(t, c, "throttled@example.com")
	env.mail.FailWith("throttled@example.com", &mailer.Error{
		Kind: retry.RateLimited, Detail: "421 slow down",
	})

	for i := 0; i < 4; i++ {
		env.dispatcher.process(ctx, "w-test", env.lease(t))
		tasks, _ := env.storage.List(ctx, queue.ListFilter{CampaignID: c.ID})
		task := tasks[0]
		if task.Status != queue.StatusQueued {
			t.Fatalf("status = %s on deferral %d, want queued", task.Status, i+1)
		}
		if task.AttemptCount != 0 {
			t.Fatalf("attempt count = %d, provider throttling must not burn attempts", task.AttemptCount)
		}
		if task.RateLimitedCount != i+1 {
			t.Fatalf("rate limited count = %d, want %d", task.RateLimitedCount, i+1)
		}
		env.clk.Set(task.NotBefore.Add(time.Second))
	}
}

func TestProcessIncrementsVariantCounters(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	test := &models.ABTest{CampaignID: "camp"}
	variants := []*models.Variant{
		{Name: "control", IsControl: true, AllocationPercent: 50},
		{Name: "b", AllocationPercent: 50},
	}
	if err := env.abtests.CreateTest(test, variants); err != nil {
		t.Fatalf("CreateTest failed: %v", err)
	}

	c := env.createCampaign(t, "")
	task := env.enqueue(t, c, "a@example.com")
	_ = task

	// Re-enqueue with a variant id on a fresh recipient.
	vt := &queue.Task{
		ID:         uuid.New().String(),
		CampaignID: c.ID,
		Recipient:  "b@example.com",
		Subject:    "s",
		Body:       "b",
		FromEmail:  c.FromEmail,
		Priority:   5,
		NotBefore:  env.clk.Now(),
		VariantID:  variants[1].ID,
	}
	if _, err := env.storage.Enqueue(ctx, vt); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		env.dispatcher.process(ctx, "w-test", env.lease(t))
	}

	counters, err := env.abtests.GetCounters(variants[1].ID)
	if err != nil {
		t.Fatalf("GetCounters failed: %v", err)
	}
	if counters.Sent != 1 {
		t.Errorf("variant sent = %d, want 1", counters.Sent)
	}
}

// A batch of queued tasks is fully drained by the worker pool.
func TestWorkerPoolDrainsQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.createCampaign(t, "")
	const n = 20
	for i := 0; i < n; i++ {
		env.enqueue(t, c, fmt.Sprintf("r%d@example.com", i))
	}

	env.dispatcher.Start(ctx)
	defer env.dispatcher.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ov, err := env.storage.Overview(ctx)
		if err != nil {
			t.Fatalf("Overview failed: %v", err)
		}
		if ov.Sent == n {
			if env.mail.Count() != n {
				t.Fatalf("mailer captured %d, want %d", env.mail.Count(), n)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queue not drained: %d of %d sent", env.mail.Count(), n)
}
