package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

// DispatchStore persists batches and their queue items.
//
// Item claims and terminal writes are conditional updates, so two driver
// invocations racing on one batch can never both own the same item. Terminal
// item states are never rewritten and batch counters move only together with
// the item that caused them.
type DispatchStore interface {
	// CreateBatch inserts the batch (pending) with its items and outbox event,
	// then moves the batch to processing, all in one transaction.
	CreateBatch(ctx context.Context, b model.Batch, items []model.QueueItem, evt model.OutboxEvent) error
	GetBatch(ctx context.Context, id string) (model.Batch, error)
	// ListBatches returns the newest batches first; no statuses means any status.
	ListBatches(ctx context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error)
	// UpdateStatus moves the batch from -> to; false when the batch was not in from.
	UpdateStatus(ctx context.Context, id string, from, to model.BatchStatus, at time.Time) (bool, error)
	// CompleteBatch marks an active batch completed only when it has no open items.
	CompleteBatch(ctx context.Context, id string, at time.Time) (bool, error)
	// DeleteBatch removes the items and then the batch in one transaction.
	DeleteBatch(ctx context.Context, id string) error

	// AcquireTurn takes the batch's exclusive driver turn when its next_run_at
	// has passed, holding it until leaseUntil.
	AcquireTurn(ctx context.Context, id, token string, now, leaseUntil time.Time) (bool, error)
	// RenewTurn extends a held turn to leaseUntil; false when token no longer
	// holds it.
	RenewTurn(ctx context.Context, id, token string, leaseUntil time.Time) (bool, error)
	// ReleaseTurn hands the turn back and schedules the next one at nextRunAt.
	ReleaseTurn(ctx context.Context, id, token string, nextRunAt time.Time) error

	// ClaimNext moves the oldest open item of the batch to processing and
	// returns it; nil when the batch has no open items. A processing item is
	// reclaimable: the caller holds the batch turn, so it was left by a crashed run.
	ClaimNext(ctx context.Context, batchID string, now time.Time) (*model.QueueItem, error)
	MarkSent(ctx context.Context, item model.QueueItem, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, item model.QueueItem, reason string, at time.Time) (bool, error)

	CountItems(ctx context.Context, batchID string) (model.ItemCounts, error)
	ListItems(ctx context.Context, batchID string, f model.ItemFilter) ([]model.QueueItem, error)

	Totals(ctx context.Context, since time.Time) (model.Totals, error)
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}

// storeErr classifies driver errors: missing rows become ErrNotFound and
// everything else ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreUnavailable, err)
}
