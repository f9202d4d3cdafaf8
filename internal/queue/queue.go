package queue

import (
	"context"
)

// Queue defines the durable send queue contract.
type Queue interface {
	// Enqueue inserts a task with status queued. It is idempotent on the
	// task's dedupe key; the bool reports whether the task was inserted.
	Enqueue(ctx context.Context, task *Task) (bool, error)

	// LeaseNext atomically claims the next eligible task for workerID, or
	// returns nil when nothing is eligible. Eligible means queued with
	// not-before in the past, or leased with an expired lease.
	LeaseNext(ctx context.Context, workerID string) (*Task, error)

	// Complete finalizes a leased task according to the outcome: sent,
	// failed, or back to queued with a new not-before.
	Complete(ctx context.Context, taskID string, outcome Outcome) error

	// CancelByCampaign transitions all queued and leased tasks of a
	// campaign to cancelled and returns how many were affected.
	CancelByCampaign(ctx context.Context, campaignID string) (int, error)

	// Get retrieves a task by ID, nil when absent.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*Task, error)

	// Overview returns counts by status, total and per campaign.
	Overview(ctx context.Context) (*Overview, error)

	// PendingForCampaign reports how many tasks of a campaign are not yet
	// terminal. Zero means the campaign has fully drained.
	PendingForCampaign(ctx context.Context, campaignID string) (int, error)

	// Close closes the storage.
	Close() error
}
