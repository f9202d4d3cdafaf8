package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaigner/internal/clock"
)

var (
	bucketTasks  = []byte("tasks")
	bucketReady  = []byte("ready")
	bucketLeased = []byte("leased")
	bucketDedupe = []byte("dedupe")
)

// ErrTaskNotFound is returned by Complete for an unknown task ID.
var ErrTaskNotFound = fmt.Errorf("task not found")

// indexTimeLayout is fixed-width so index keys sort lexicographically by time.
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	MinPriority = 1
	MaxPriority = 10
)

// Options configures the bolt-backed queue.
type Options struct {
	// LeaseTTL is how long a claim is held before any worker may reclaim
	// the task. Must exceed the mailer timeout.
	LeaseTTL time.Duration

	// DefaultMaxAttempts applies to tasks enqueued without one.
	DefaultMaxAttempts int

	// MaxConsecutiveLeases bounds how many leases in a row a single
	// campaign may take while other campaigns have eligible work.
	// Zero disables the bound.
	MaxConsecutiveLeases int

	Clock clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 2 * time.Minute
	}
	if out.DefaultMaxAttempts <= 0 {
		out.DefaultMaxAttempts = 5
	}
	if out.Clock == nil {
		out.Clock = clock.System{}
	}
	return out
}

// BoltStorage implements Queue using BoltDB.
type BoltStorage struct {
	db    *bolt.DB
	opts  Options
	clock clock.Clock

	// fairness state: how many consecutive leases the same campaign took
	mu              sync.Mutex
	lastCampaignID  string
	consecutiveRuns int
}

// NewBoltStorage opens (creating if needed) the queue database at path.
func NewBoltStorage(path string, opts Options) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketReady, bucketLeased, bucketDedupe} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	o := opts.withDefaults()
	return &BoltStorage{db: db, opts: o, clock: o.Clock}, nil
}

// Enqueue inserts the task unless its dedupe key is already known.
func (s *BoltStorage) Enqueue(ctx context.Context, task *Task) (bool, error) {
	if task.ID == "" {
		return false, fmt.Errorf("task ID is required")
	}
	if task.CampaignID == "" || task.Recipient == "" {
		return false, fmt.Errorf("task campaign and recipient are required")
	}
	if task.Priority < MinPriority || task.Priority > MaxPriority {
		task.Priority = 5
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.opts.DefaultMaxAttempts
	}
	if task.DedupeKey == "" {
		task.DedupeKey = DedupeKey(task.CampaignID, task.Recipient, task.VariantID, task.OccurrenceIndex)
	}

	now := s.clock.Now()
	inserted := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		dedupe := tx.Bucket(bucketDedupe)
		if dedupe.Get([]byte(task.DedupeKey)) != nil {
			return nil
		}

		task.Status = StatusQueued
		task.CreatedAt = now
		task.UpdatedAt = now
		if task.NotBefore.IsZero() {
			task.NotBefore = now
		}

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}
		if err := tx.Bucket(bucketReady).Put(makeReadyKey(task.Priority, task.NotBefore, task.ID), []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}
		if err := dedupe.Put([]byte(task.DedupeKey), []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to record dedupe key: %w", err)
		}

		inserted = true
		return nil
	})

	return inserted, err
}

// LeaseNext claims the next eligible task for workerID. Expired leases are
// reclaimed before new ready tasks are considered, so no queued task is ever
// lost across worker restarts.
func (s *BoltStorage) LeaseNext(ctx context.Context, workerID string) (*Task, error) {
	var leased *Task

	skip := s.campaignToSkip()

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.clock.Now()

		task, err := s.reclaimExpired(tx, workerID, now, skip)
		if err != nil {
			return err
		}
		if task == nil {
			task, err = s.leaseFromReady(tx, workerID, now, skip)
			if err != nil {
				return err
			}
		}
		if task == nil && skip != "" {
			// Fairness skip left nothing else eligible; the bounded
			// campaign gets the lease after all.
			task, err = s.reclaimExpired(tx, workerID, now, "")
			if err != nil {
				return err
			}
			if task == nil {
				task, err = s.leaseFromReady(tx, workerID, now, "")
				if err != nil {
					return err
				}
			}
		}

		leased = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.noteLease(leased)
	return leased, nil
}

// reclaimExpired re-leases the task with the oldest expired lease, if any.
// The fairness skip applies here too, or an expiring task could hand one
// campaign the lease past its bound.
func (s *BoltStorage) reclaimExpired(tx *bolt.Tx, workerID string, now time.Time, skipCampaign string) (*Task, error) {
	tasks := tx.Bucket(bucketTasks)
	c := tx.Bucket(bucketLeased).Cursor()

	for k, v := c.First(); k != nil; k, v = c.Next() {
		expiry := parseIndexTime(k)
		if expiry.After(now) {
			break // index is expiry-ordered; the rest are still held
		}

		data := tasks.Get(v)
		if data == nil {
			c.Delete()
			continue
		}

		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			c.Delete()
			continue
		}
		if task.Status != StatusLeased {
			// Stale index entry left behind by a cancel or completion.
			c.Delete()
			continue
		}
		if skipCampaign != "" && task.CampaignID == skipCampaign {
			continue
		}

		if err := c.Delete(); err != nil {
			return nil, err
		}
		if err := s.claim(tx, &task, workerID, now); err != nil {
			return nil, err
		}
		return &task, nil
	}

	return nil, nil
}

// leaseFromReady walks the priority bands highest-first; within a band the
// index is not-before-ordered so the band head decides eligibility.
func (s *BoltStorage) leaseFromReady(tx *bolt.Tx, workerID string, now time.Time, skipCampaign string) (*Task, error) {
	tasks := tx.Bucket(bucketTasks)
	ready := tx.Bucket(bucketReady)

	for band := 0; band < MaxPriority; band++ {
		prefix := []byte(fmt.Sprintf("p%02d:", band))
		c := ready.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			notBefore := parseIndexTime(k[len(prefix):])
			if notBefore.After(now) {
				break // band is time-ordered, rest not yet due
			}

			data := tasks.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var task Task
			if err := json.Unmarshal(data, &task); err != nil {
				c.Delete()
				continue
			}
			if task.Status != StatusQueued {
				c.Delete()
				continue
			}
			if skipCampaign != "" && task.CampaignID == skipCampaign {
				continue
			}

			if err := c.Delete(); err != nil {
				return nil, err
			}
			if err := s.claim(tx, &task, workerID, now); err != nil {
				return nil, err
			}
			return &task, nil
		}
	}

	return nil, nil
}

func (s *BoltStorage) claim(tx *bolt.Tx, task *Task, workerID string, now time.Time) error {
	task.Status = StatusLeased
	task.LeaseOwner = workerID
	task.LeaseExpiry = now.Add(s.opts.LeaseTTL)
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return tx.Bucket(bucketLeased).Put(makeTimeKey(task.LeaseExpiry, task.ID), []byte(task.ID))
}

func (s *BoltStorage) campaignToSkip() string {
	if s.opts.MaxConsecutiveLeases <= 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCampaignID != "" && s.consecutiveRuns >= s.opts.MaxConsecutiveLeases {
		return s.lastCampaignID
	}
	return ""
}

func (s *BoltStorage) noteLease(task *Task) {
	if task == nil || s.opts.MaxConsecutiveLeases <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.CampaignID == s.lastCampaignID {
		s.consecutiveRuns++
	} else {
		s.lastCampaignID = task.CampaignID
		s.consecutiveRuns = 1
	}
}

// Complete finalizes a leased task. Completing a task that was cancelled
// mid-flight records the attempt metadata but never resurrects the task.
func (s *BoltStorage) Complete(ctx context.Context, taskID string, outcome Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		data := tasks.Get([]byte(taskID))
		if data == nil {
			return ErrTaskNotFound
		}

		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}

		now := s.clock.Now()

		// Drop the lease index entry regardless of disposition.
		if !task.LeaseExpiry.IsZero() {
			tx.Bucket(bucketLeased).Delete(makeTimeKey(task.LeaseExpiry, task.ID))
		}

		if task.Status == StatusCancelled {
			task.LastAttemptAt = now
			task.LastError = outcome.Err
			if outcome.ProviderMessageID != "" {
				task.ProviderMessageID = outcome.ProviderMessageID
			}
			task.UpdatedAt = now
			return putTask(tasks, &task)
		}

		switch outcome.Status {
		case OutcomeSent:
			task.Status = StatusSent
			task.AttemptCount++
			task.LastAttemptAt = now
			task.LastError = ""
			task.ProviderMessageID = outcome.ProviderMessageID

		case OutcomeRequeue:
			if outcome.NextAttemptAt.IsZero() {
				return fmt.Errorf("requeue outcome requires next attempt time")
			}
			if outcome.CountAttempt {
				task.AttemptCount++
				task.LastAttemptAt = now
			} else {
				task.RateLimitedCount++
			}
			task.Status = StatusQueued
			task.NotBefore = outcome.NextAttemptAt
			task.LastError = outcome.Err
			if err := tx.Bucket(bucketReady).Put(makeReadyKey(task.Priority, task.NotBefore, task.ID), []byte(task.ID)); err != nil {
				return fmt.Errorf("failed to re-add to ready index: %w", err)
			}

		case OutcomeFailed:
			task.Status = StatusFailed
			if outcome.CountAttempt {
				task.AttemptCount++
				task.LastAttemptAt = now
			}
			task.LastError = outcome.Err

		default:
			return fmt.Errorf("unknown outcome status: %s", outcome.Status)
		}

		task.LeaseOwner = ""
		task.LeaseExpiry = time.Time{}
		task.UpdatedAt = now
		return putTask(tasks, &task)
	})
}

// CancelByCampaign cancels every queued or leased task of a campaign.
// Tasks already handed to the mailer will still have their outcome recorded
// by Complete, but they are never re-queued afterwards.
func (s *BoltStorage) CancelByCampaign(ctx context.Context, campaignID string) (int, error) {
	cancelled := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		ready := tx.Bucket(bucketReady)
		leased := tx.Bucket(bucketLeased)
		now := s.clock.Now()

		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if task.CampaignID != campaignID {
				continue
			}
			if task.Status != StatusQueued && task.Status != StatusLeased {
				continue
			}

			if task.Status == StatusQueued {
				ready.Delete(makeReadyKey(task.Priority, task.NotBefore, task.ID))
			} else if !task.LeaseExpiry.IsZero() {
				leased.Delete(makeTimeKey(task.LeaseExpiry, task.ID))
			}

			task.Status = StatusCancelled
			task.LeaseOwner = ""
			task.LeaseExpiry = time.Time{}
			task.UpdatedAt = now

			data, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			if err := tasks.Put(k, data); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})

	return cancelled, err
}

// Get retrieves a task by ID.
func (s *BoltStorage) Get(ctx context.Context, id string) (*Task, error) {
	var task *Task

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		task = &Task{}
		return json.Unmarshal(data, task)
	})

	return task, err
}

// List returns tasks matching the filter, in storage order.
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var out []*Task

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if filter.Status != "" && task.Status != filter.Status {
				continue
			}
			if filter.CampaignID != "" && task.CampaignID != filter.CampaignID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, &task)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return out, err
}

// Overview returns queue counts by status, overall and per campaign.
func (s *BoltStorage) Overview(ctx context.Context) (*Overview, error) {
	overview := &Overview{}
	perCampaign := make(map[string]*Stats)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			tally(&overview.Stats, task.Status)
			cs, ok := perCampaign[task.CampaignID]
			if !ok {
				cs = &Stats{}
				perCampaign[task.CampaignID] = cs
			}
			tally(cs, task.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, cs := range perCampaign {
		overview.Campaigns = append(overview.Campaigns, CampaignStats{CampaignID: id, Stats: *cs})
	}
	return overview, nil
}

// PendingForCampaign counts non-terminal tasks of a campaign.
func (s *BoltStorage) PendingForCampaign(ctx context.Context, campaignID string) (int, error) {
	pending := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if task.CampaignID == campaignID && !task.Status.IsTerminal() {
				pending++
			}
		}
		return nil
	})

	return pending, err
}

// CleanupTerminal removes terminal tasks older than maxAge together with
// their dedupe keys. Used by the retention cleaner, never by workers.
func (s *BoltStorage) CleanupTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := s.clock.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		dedupe := tx.Bucket(bucketDedupe)

		var toDelete []*Task
		c := tasks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				continue
			}
			if task.Status.IsTerminal() && task.UpdatedAt.Before(cutoff) {
				copied := task
				toDelete = append(toDelete, &copied)
			}
		}

		for _, task := range toDelete {
			if err := tasks.Delete([]byte(task.ID)); err != nil {
				return err
			}
			dedupe.Delete([]byte(task.DedupeKey))
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying bolt handle so other components (the rate
// limiter's persistence) can share the same file.
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func putTask(b *bolt.Bucket, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := b.Put([]byte(task.ID), data); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

func tally(s *Stats, status TaskStatus) {
	s.Total++
	switch status {
	case StatusQueued:
		s.Queued++
	case StatusLeased:
		s.Leased++
	case StatusSent:
		s.Sent++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	}
}

// makeReadyKey builds "pBB:<time>:<id>" where BB = 10-priority, so higher
// priorities sort first and ties order by not-before.
func makeReadyKey(priority int, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("p%02d:%s:%s", MaxPriority-priority, t.UTC().Format(indexTimeLayout), id))
}

// makeTimeKey builds "<time>:<id>" for expiry-ordered lease indexing.
func makeTimeKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}

// parseIndexTime extracts the fixed-width timestamp at the start of key.
func parseIndexTime(key []byte) time.Time {
	if len(key) < len(indexTimeLayout) {
		return time.Time{}
	}
	ts, err := time.Parse(indexTimeLayout, string(key[:len(indexTimeLayout)]))
	if err != nil {
		return time.Time{}
	}
	return ts
}
