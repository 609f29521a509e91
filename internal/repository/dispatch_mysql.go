package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

const batchColumns = `
	id, title, excerpt, body, image_url, link_url,
	total_count, sent_count, failed_count, delay_min, delay_max,
	status, next_run_at, created_by, created_at, started_at, completed_at`

const itemColumns = `
	id, batch_id, recipient_id, recipient_name, recipient_phone,
	status, error_message, claimed_at, sent_at, created_at, updated_at`

// itemInsertChunk bounds the placeholders of one multi-row INSERT.
const itemInsertChunk = 500

// MySQLStore is the sqlx-backed DispatchStore.
type MySQLStore struct {
	db     *sqlx.DB
	outbox OutboxRepository
}

func NewMySQLStore(db *sqlx.DB, outbox OutboxRepository) *MySQLStore {
	return &MySQLStore{db: db, outbox: outbox}
}

func (s *MySQLStore) CreateBatch(ctx context.Context, b model.Batch, items []model.QueueItem, evt model.OutboxEvent) error {
	const insBatch = `
		INSERT INTO dispatch_batches
		    (id, title, excerpt, body, image_url, link_url, total_count,
		     delay_min, delay_max, status, created_by, created_at)
		VALUES
		    (:id, :title, :excerpt, :body, :image_url, :link_url, :total_count,
		     :delay_min, :delay_max, 'pending', :created_by, :created_at)
	`
	const start = `
		UPDATE dispatch_batches SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'pending'
	`
	err := withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insBatch, b); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for lo := 0; lo < len(items); lo += itemInsertChunk {
			hi := min(lo+itemInsertChunk, len(items))
			if err := insertItems(ctx, tx, b.ID, lo, items[lo:hi], b.CreatedAt); err != nil {
				return fmt.Errorf("insert items: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, start, b.CreatedAt, b.ID); err != nil {
			return fmt.Errorf("start batch: %w", err)
		}
		if s.outbox != nil {
			if err := s.outbox.Insert(ctx, tx, evt); err != nil {
				return fmt.Errorf("insert outbox: %w", err)
			}
		}
		return nil
	})
	return storeErr("create batch", err)
}

func insertItems(ctx context.Context, tx *sqlx.Tx, batchID string, offset int, items []model.QueueItem, at time.Time) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO dispatch_queue_items
		(batch_id, position, recipient_id, recipient_name, recipient_phone, status, created_at, updated_at)
		VALUES `)
	args := make([]any, 0, len(items)*7)
	for i, it := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, 'pending', ?, ?)")
		args = append(args, batchID, offset+i, it.RecipientID, it.RecipientName, it.RecipientPhone, at, at)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *MySQLStore) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	var b model.Batch
	err := s.db.GetContext(ctx, &b, `SELECT `+batchColumns+` FROM dispatch_batches WHERE id = ?`, id)
	return b, storeErr("get batch", err)
}

func (s *MySQLStore) ListBatches(ctx context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM dispatch_batches`
	var args []any
	if len(statuses) > 0 {
		in, inArgs, err := sqlx.In(` WHERE status IN (?)`, statuses)
		if err != nil {
			return nil, err
		}
		q += in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	var rows []model.Batch
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, storeErr("list batches", err)
	}
	return rows, nil
}

func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, from, to model.BatchStatus, at time.Time) (bool, error) {
	q := `UPDATE dispatch_batches SET status = ?`
	args := []any{to}
	switch {
	case to.Terminal():
		q += `, completed_at = ?`
		args = append(args, at)
	case to == model.BatchProcessing:
		q += `, started_at = COALESCE(started_at, ?)`
		args = append(args, at)
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, storeErr("update batch status", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("update batch status", err)
}

func (s *MySQLStore) CompleteBatch(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `
		UPDATE dispatch_batches
		SET status = 'completed', completed_at = ?, lease_token = NULL
		WHERE id = ? AND status IN ('pending', 'processing')
		  AND NOT EXISTS (
		      SELECT 1 FROM dispatch_queue_items
		      WHERE batch_id = ? AND status IN ('pending', 'processing')
		  )
	`
	res, err := s.db.ExecContext(ctx, q, at, id, id)
	if err != nil {
		return false, storeErr("complete batch", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("complete batch", err)
}

func (s *MySQLStore) DeleteBatch(ctx context.Context, id string) error {
	err := withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_queue_items WHERE batch_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM dispatch_batches WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.ErrNotFound
		}
		return nil
	})
	return storeErr("delete batch", err)
}

func (s *MySQLStore) AcquireTurn(ctx context.Context, id, token string, now, leaseUntil time.Time) (bool, error) {
	const q = `
		UPDATE dispatch_batches SET lease_token = ?, next_run_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		  AND (next_run_at IS NULL OR next_run_at <= ?)
	`
	res, err := s.db.ExecContext(ctx, q, token, leaseUntil, id, now)
	if err != nil {
		return false, storeErr("acquire turn", err)
	}
	n, err := res.RowsAffected()
	return n == 1, storeErr("acquire turn", err)
}

// RenewTurn checks the token under a row lock; a plain conditional UPDATE
// reports zero rows when next_run_at is unchanged.
func (s *MySQLStore) RenewTurn(ctx context.Context, id, token string, leaseUntil time.Time) (bool, error) {
	held := false
	err := withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		var current sql.NullString
		err := tx.GetContext(ctx, &current, `SELECT lease_token FROM dispatch_batches WHERE id = ? FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.Valid || current.String != token {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE dispatch_batches SET next_run_at = ? WHERE id = ?`, leaseUntil, id); err != nil {
			return err
		}
		held = true
		return nil
	})
	return held, storeErr("renew turn", err)
}

func (s *MySQLStore) ReleaseTurn(ctx context.Context, id, token string, nextRunAt time.Time) error {
	const q = `
		UPDATE dispatch_batches SET lease_token = NULL, next_run_at = ?
		WHERE id = ? AND lease_token = ?
	`
	_, err := s.db.ExecContext(ctx, q, nextRunAt, id, token)
	return storeErr("release turn", err)
}

func (s *MySQLStore) ClaimNext(ctx context.Context, batchID string, now time.Time) (*model.QueueItem, error) {
	const pick = `
		SELECT id FROM dispatch_queue_items
		WHERE batch_id = ? AND status IN ('pending', 'processing')
		ORDER BY position, id
		LIMIT 1
		FOR UPDATE
	`
	const claim = `
		UPDATE dispatch_queue_items
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`
	var item *model.QueueItem
	err := withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, pick, batchID); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx, claim, now, now, ids[0])
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		var it model.QueueItem
		if err := tx.GetContext(ctx, &it, `SELECT `+itemColumns+` FROM dispatch_queue_items WHERE id = ?`, ids[0]); err != nil {
			return err
		}
		item = &it
		return nil
	})
	if err != nil {
		return nil, storeErr("claim item", err)
	}
	return item, nil
}

func (s *MySQLStore) MarkSent(ctx context.Context, item model.QueueItem, at time.Time) (bool, error) {
	const q = `
		UPDATE dispatch_queue_items
		SET status = 'sent', sent_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`
	ok, err := s.finish(ctx, item.BatchID, "sent_count", q, at, at, item.ID)
	return ok, storeErr("mark sent", err)
}

func (s *MySQLStore) MarkFailed(ctx context.Context, item model.QueueItem, reason string, at time.Time) (bool, error) {
	const q = `
		UPDATE dispatch_queue_items
		SET status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`
	ok, err := s.finish(ctx, item.BatchID, "failed_count", q, reason, at, item.ID)
	return ok, storeErr("mark failed", err)
}

// finish applies a terminal item write and bumps the batch counter in the
// same transaction, only when the item write took effect.
func (s *MySQLStore) finish(ctx context.Context, batchID, counter, q string, args ...any) (bool, error) {
	done := false
	err := withTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		bump := fmt.Sprintf(`UPDATE dispatch_batches SET %[1]s = %[1]s + 1 WHERE id = ?`, counter)
		if _, err := tx.ExecContext(ctx, bump, batchID); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

func (s *MySQLStore) CountItems(ctx context.Context, batchID string) (model.ItemCounts, error) {
	const q = `
		SELECT
		    COALESCE(SUM(status = 'pending'), 0)    AS pending,
		    COALESCE(SUM(status = 'processing'), 0) AS processing,
		    COALESCE(SUM(status = 'sent'), 0)       AS sent,
		    COALESCE(SUM(status = 'failed'), 0)     AS failed
		FROM dispatch_queue_items
		WHERE batch_id = ?
	`
	var c model.ItemCounts
	err := s.db.GetContext(ctx, &c, q, batchID)
	return c, storeErr("count items", err)
}

func (s *MySQLStore) ListItems(ctx context.Context, batchID string, f model.ItemFilter) ([]model.QueueItem, error) {
	q := `SELECT ` + itemColumns + ` FROM dispatch_queue_items WHERE batch_id = ?`
	args := []any{batchID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY position, id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	var rows []model.QueueItem
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, storeErr("list items", err)
	}
	return rows, nil
}

func (s *MySQLStore) Totals(ctx context.Context, since time.Time) (model.Totals, error) {
	const q = `
		SELECT
		    COALESCE(SUM(i.status = 'sent' AND i.sent_at >= ?), 0)      AS sent_today,
		    COALESCE(SUM(i.status = 'failed' AND i.updated_at >= ?), 0) AS failed_today,
		    COALESCE(SUM(i.status = 'processing'), 0)                  AS processing,
		    COALESCE(SUM(i.status = 'pending'
		        AND b.status IN ('pending', 'processing', 'paused')), 0)  AS pending
		FROM dispatch_queue_items i
		JOIN dispatch_batches b ON b.id = i.batch_id
	`
	var t model.Totals
	err := s.db.GetContext(ctx, &t, q, since, since)
	return t, storeErr("totals", err)
}

func (s *MySQLStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	const q = `
		SELECT i.id, i.batch_id, b.title, i.recipient_name, i.status, i.error_message, i.updated_at
		FROM dispatch_queue_items i
		JOIN dispatch_batches b ON b.id = i.batch_id
		WHERE i.status IN ('sent', 'failed')
		ORDER BY i.updated_at DESC, i.id DESC
		LIMIT ?
	`
	var rows []model.Event
	if err := s.db.SelectContext(ctx, &rows, q, clampLimit(limit)); err != nil {
		return nil, storeErr("recent events", err)
	}
	return rows, nil
}
