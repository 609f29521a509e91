package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

// ItemHistoryFilter narrows the ClickHouse history query.
type ItemHistoryFilter struct {
	BatchID string
	Phone   string
	Status  model.ItemStatus
	Since   time.Time
	Limit   int
	Offset  int
}

// CHItemsRepository lists queue item history from ClickHouse (final view fed
// by CDC from dispatch_queue_items).
type CHItemsRepository interface {
	List(ctx context.Context, f ItemHistoryFilter) ([]model.QueueItem, error)
}

type chItemsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHItemsRepository(ch *sqlx.DB) CHItemsRepository {
	return &chItemsRepository{ch: ch}
}

func (r *chItemsRepository) List(ctx context.Context, f ItemHistoryFilter) ([]model.QueueItem, error) {
	q, args := historyQuery(f)

	var rows []model.QueueItem
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, storeErr("item history", err)
	}
	return rows, nil
}

func historyQuery(f ItemHistoryFilter) (string, []any) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := max(f.Offset, 0)

	q := `
		SELECT id, batch_id, recipient_id, recipient_name, recipient_phone,
		       status, error_message, claimed_at, sent_at, created_at, updated_at
		FROM dispatch.queue_items_latest
		WHERE 1 = 1
	`
	var args []any

	if f.BatchID != "" {
		q += " AND batch_id = ?"
		args = append(args, f.BatchID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.Phone != "" {
		q += " AND recipient_phone = ?"
		args = append(args, f.Phone)
	}
	if !f.Since.IsZero() {
		q += " AND updated_at >= ?"
		args = append(args, f.Since)
	}

	q += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	return q, args
}
