package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

type memBatch struct {
	model.Batch
	leaseToken string
}

// MemoryStore is an in-process DispatchStore. It backs `store.driver: memory`
// and the service tests; all state is lost on exit.
type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]*memBatch
	items   map[string][]*model.QueueItem // batch id -> items in insertion order
	outbox  []model.OutboxEvent
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*memBatch),
		items:   make(map[string][]*model.QueueItem),
	}
}

// Outbox returns the events written so far.
func (s *MemoryStore) Outbox() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func (s *MemoryStore) CreateBatch(_ context.Context, b model.Batch, items []model.QueueItem, evt model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("create batch: %w: duplicate id %s", model.ErrStoreUnavailable, b.ID)
	}
	seen := make(map[int64]bool, len(items))
	rows := make([]*model.QueueItem, 0, len(items))
	for _, it := range items {
		if seen[it.RecipientID] {
			return fmt.Errorf("create batch: %w: duplicate recipient %d", model.ErrStoreUnavailable, it.RecipientID)
		}
		seen[it.RecipientID] = true

		s.nextID++
		row := it
		row.ID = s.nextID
		row.BatchID = b.ID
		row.Status = model.ItemPending
		row.ErrorMessage, row.ClaimedAt, row.SentAt = nil, nil, nil
		row.CreatedAt, row.UpdatedAt = b.CreatedAt, b.CreatedAt
		rows = append(rows, &row)
	}

	started := b.CreatedAt
	b.Status = model.BatchProcessing
	b.StartedAt = &started
	b.SentCount, b.FailedCount = 0, 0
	b.NextRunAt, b.CompletedAt = nil, nil
	s.batches[b.ID] = &memBatch{Batch: b}
	s.items[b.ID] = rows
	s.outbox = append(s.outbox, evt)
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return model.Batch{}, fmt.Errorf("get batch: %w", model.ErrNotFound)
	}
	return copyBatch(b.Batch), nil
}

func (s *MemoryStore) ListBatches(_ context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Batch, 0)
	for _, b := range s.batches {
		if len(statuses) > 0 && !slices.Contains(statuses, b.Status) {
			continue
		}
		out = append(out, copyBatch(b.Batch))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to model.BatchStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	switch {
	case to.Terminal():
		b.CompletedAt = &at
	case to == model.BatchProcessing && b.StartedAt == nil:
		b.StartedAt = &at
	}
	return true, nil
}

func (s *MemoryStore) CompleteBatch(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || !b.Status.Active() {
		return false, nil
	}
	for _, it := range s.items[id] {
		if !it.Status.Terminal() {
			return false, nil
		}
	}
	b.Status = model.BatchCompleted
	b.CompletedAt = &at
	b.leaseToken = ""
	return true, nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[id]; !ok {
		return fmt.Errorf("delete batch: %w", model.ErrNotFound)
	}
	delete(s.items, id)
	delete(s.batches, id)
	return nil
}

func (s *MemoryStore) AcquireTurn(_ context.Context, id, token string, now, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || !b.Status.Active() {
		return false, nil
	}
	if b.NextRunAt != nil && b.NextRunAt.After(now) {
		return false, nil
	}
	b.leaseToken = token
	b.NextRunAt = &leaseUntil
	return true, nil
}

func (s *MemoryStore) RenewTurn(_ context.Context, id, token string, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || token == "" || b.leaseToken != token {
		return false, nil
	}
	b.NextRunAt = &leaseUntil
	return true, nil
}

func (s *MemoryStore) ReleaseTurn(_ context.Context, id, token string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok || b.leaseToken != token {
		return nil
	}
	b.leaseToken = ""
	b.NextRunAt = &nextRunAt
	return nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, batchID string, now time.Time) (*model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items[batchID] {
		if it.Status.Terminal() {
			continue
		}
		it.Status = model.ItemProcessing
		claimed := now
		it.ClaimedAt = &claimed
		it.UpdatedAt = now
		out := *it
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, item model.QueueItem, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, b := s.lookup(item)
	if it == nil || it.Status != model.ItemProcessing {
		return false, nil
	}
	sentAt := at
	it.Status = model.ItemSent
	it.SentAt = &sentAt
	it.ErrorMessage = nil
	it.UpdatedAt = at
	if b != nil {
		b.SentCount++
	}
	return true, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, item model.QueueItem, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, b := s.lookup(item)
	if it == nil || it.Status != model.ItemProcessing {
		return false, nil
	}
	msg := reason
	it.Status = model.ItemFailed
	it.ErrorMessage = &msg
	it.UpdatedAt = at
	if b != nil {
		b.FailedCount++
	}
	return true, nil
}

func (s *MemoryStore) lookup(item model.QueueItem) (*model.QueueItem, *memBatch) {
	for _, it := range s.items[item.BatchID] {
		if it.ID == item.ID {
			return it, s.batches[item.BatchID]
		}
	}
	return nil, nil
}

func (s *MemoryStore) CountItems(_ context.Context, batchID string) (model.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c model.ItemCounts
	for _, it := range s.items[batchID] {
		switch it.Status {
		case model.ItemPending:
			c.Pending++
		case model.ItemProcessing:
			c.Processing++
		case model.ItemSent:
			c.Sent++
		case model.ItemFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *MemoryStore) ListItems(_ context.Context, batchID string, f model.ItemFilter) ([]model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.QueueItem, 0)
	skip := max(f.Offset, 0)
	limit := clampLimit(f.Limit)
	for _, it := range s.items[batchID] {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, *it)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Totals(_ context.Context, since time.Time) (model.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t model.Totals
	for id, items := range s.items {
		b := s.batches[id]
		for _, it := range items {
			switch it.Status {
			case model.ItemSent:
				if it.SentAt != nil && !it.SentAt.Before(since) {
					t.SentToday++
				}
			case model.ItemFailed:
				if !it.UpdatedAt.Before(since) {
					t.FailedToday++
				}
			case model.ItemProcessing:
				t.Processing++
			case model.ItemPending:
				if b != nil && (b.Status.Active() || b.Status == model.BatchPaused) {
					t.Pending++
				}
			}
		}
	}
	return t, nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Event, 0)
	for id, items := range s.items {
		b := s.batches[id]
		for _, it := range items {
			if !it.Status.Terminal() {
				continue
			}
			ev := model.Event{
				ItemID:        it.ID,
				BatchID:       id,
				RecipientName: it.RecipientName,
				Status:        it.Status,
				Error:         it.ErrorMessage,
				At:            it.UpdatedAt,
			}
			if b != nil {
				ev.BatchTitle = b.Title
			}
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].ItemID > out[j].ItemID
	})
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

// copyBatch detaches the pointer fields so callers cannot mutate stored state.
func copyBatch(b model.Batch) model.Batch {
	out := b
	out.NextRunAt = copyTime(b.NextRunAt)
	out.StartedAt = copyTime(b.StartedAt)
	out.CompletedAt = copyTime(b.CompletedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	_ DispatchStore = (*MemoryStore)(nil)
	_ DispatchStore = (*MySQLStore)(nil)
)
