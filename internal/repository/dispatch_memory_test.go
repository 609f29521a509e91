package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedBatch(t *testing.T, s *MemoryStore, id string, n int) {
	t.Helper()

	items := make([]model.QueueItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, model.QueueItem{
			RecipientID:    int64(i),
			RecipientName:  "r" + string(rune('0'+i)),
			RecipientPhone: "+4915112345670",
		})
	}
	b := model.Batch{
		ID:         id,
		Subject:    model.Subject{Title: "title-" + id},
		TotalCount: n,
		DelayMin:   1,
		DelayMax:   2,
		CreatedAt:  t0,
	}
	if err := s.CreateBatch(context.Background(), b, items, model.OutboxEvent{AggregateID: id}); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
}

func TestMemoryStoreCreateBatch(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	seedBatch(t, s, "b1", 3)

	b, err := s.GetBatch(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if b.Status != model.BatchProcessing {
		t.Fatalf("status = %s, want processing", b.Status)
	}
	if b.StartedAt == nil || !b.StartedAt.Equal(t0) {
		t.Fatalf("started_at = %v, want %v", b.StartedAt, t0)
	}

	c, _ := s.CountItems(context.Background(), "b1")
	if c.Pending != 3 || c.Open() != 3 {
		t.Fatalf("counts = %+v, want 3 pending", c)
	}
	if got := len(s.Outbox()); got != 1 {
		t.Fatalf("outbox events = %d, want 1", got)
	}
}

func TestMemoryStoreRejectsDuplicateRecipient(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	items := []model.QueueItem{{RecipientID: 7}, {RecipientID: 7}}
	err := s.CreateBatch(context.Background(), model.Batch{ID: "dup", TotalCount: 2}, items, model.OutboxEvent{})
	if err == nil {
		t.Fatal("expected duplicate recipient error")
	}
	if _, err := s.GetBatch(context.Background(), "dup"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("batch must not exist after failed create, got %v", err)
	}
}

func TestMemoryStoreClaimOrderAndTerminalImmutability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 2)

	first, err := s.ClaimNext(ctx, "b1", t0)
	if err != nil || first == nil {
		t.Fatalf("ClaimNext() = %v, %v", first, err)
	}
	if first.RecipientID != 1 || first.Status != model.ItemProcessing {
		t.Fatalf("claimed %+v, want recipient 1 processing", first)
	}

	ok, _ := s.MarkSent(ctx, *first, t0)
	if !ok {
		t.Fatal("MarkSent() should apply to a processing item")
	}
	// a second terminal write must neither change the item nor the counters
	if ok, _ := s.MarkFailed(ctx, *first, "late", t0); ok {
		t.Fatal("MarkFailed() must not rewrite a sent item")
	}
	if ok, _ := s.MarkSent(ctx, *first, t0); ok {
		t.Fatal("MarkSent() twice must not double count")
	}

	b, _ := s.GetBatch(ctx, "b1")
	if b.SentCount != 1 || b.FailedCount != 0 {
		t.Fatalf("counters = %d/%d, want 1/0", b.SentCount, b.FailedCount)
	}

	second, _ := s.ClaimNext(ctx, "b1", t0)
	if second == nil || second.RecipientID != 2 {
		t.Fatalf("second claim = %+v, want recipient 2", second)
	}
}

func TestMemoryStoreStaleProcessingIsReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 2)

	crashed, _ := s.ClaimNext(ctx, "b1", t0)
	again, _ := s.ClaimNext(ctx, "b1", t0.Add(time.Minute))
	if again == nil || again.ID != crashed.ID {
		t.Fatalf("reclaimed %+v, want item %d", again, crashed.ID)
	}
}

func TestMemoryStoreCompleteBatchRequiresDrainedQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 1)

	if ok, _ := s.CompleteBatch(ctx, "b1", t0); ok {
		t.Fatal("batch with a pending item must not complete")
	}

	it, _ := s.ClaimNext(ctx, "b1", t0)
	_, _ = s.MarkFailed(ctx, *it, "gateway down", t0)

	if ok, _ := s.CompleteBatch(ctx, "b1", t0.Add(time.Second)); !ok {
		t.Fatal("drained batch should complete")
	}
	b, _ := s.GetBatch(ctx, "b1")
	if b.Status != model.BatchCompleted || b.CompletedAt == nil {
		t.Fatalf("batch = %+v, want completed with completed_at", b)
	}
	if b.SentCount+b.FailedCount != b.TotalCount {
		t.Fatalf("counters %d+%d != total %d", b.SentCount, b.FailedCount, b.TotalCount)
	}
}

func TestMemoryStoreTurnLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 1)

	if ok, _ := s.AcquireTurn(ctx, "b1", "a", t0, t0.Add(time.Minute)); !ok {
		t.Fatal("first AcquireTurn() should succeed")
	}
	if ok, _ := s.AcquireTurn(ctx, "b1", "b", t0.Add(time.Second), t0.Add(time.Minute)); ok {
		t.Fatal("AcquireTurn() must fail while the lease is held")
	}

	// a foreign token cannot release the turn
	_ = s.ReleaseTurn(ctx, "b1", "b", t0)
	if ok, _ := s.AcquireTurn(ctx, "b1", "b", t0.Add(time.Second), t0.Add(time.Minute)); ok {
		t.Fatal("foreign release must be ignored")
	}

	_ = s.ReleaseTurn(ctx, "b1", "a", t0.Add(5*time.Second))
	if ok, _ := s.AcquireTurn(ctx, "b1", "b", t0.Add(4*time.Second), t0.Add(time.Minute)); ok {
		t.Fatal("turn must not be available before next_run_at")
	}
	if ok, _ := s.AcquireTurn(ctx, "b1", "b", t0.Add(5*time.Second), t0.Add(time.Minute)); !ok {
		t.Fatal("turn should be available at next_run_at")
	}

	// an expired lease is taken over
	if ok, _ := s.AcquireTurn(ctx, "b1", "c", t0.Add(2*time.Minute), t0.Add(3*time.Minute)); !ok {
		t.Fatal("expired lease should be taken over")
	}
}

func TestMemoryStoreRenewTurn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 1)

	if ok, _ := s.AcquireTurn(ctx, "b1", "a", t0, t0.Add(time.Minute)); !ok {
		t.Fatal("AcquireTurn() should succeed")
	}
	if ok, _ := s.RenewTurn(ctx, "b1", "a", t0.Add(2*time.Minute)); !ok {
		t.Fatal("holder should renew its turn")
	}
	if ok, _ := s.AcquireTurn(ctx, "b1", "b", t0.Add(90*time.Second), t0.Add(3*time.Minute)); ok {
		t.Fatal("renewed lease must not be taken over")
	}

	// cancelling keeps the token so an in-flight delivery can finish
	if ok, _ := s.UpdateStatus(ctx, "b1", model.BatchProcessing, model.BatchCancelled, t0); !ok {
		t.Fatal("cancel should apply")
	}
	if ok, _ := s.RenewTurn(ctx, "b1", "a", t0.Add(3*time.Minute)); !ok {
		t.Fatal("holder should still renew after cancel")
	}

	if ok, _ := s.RenewTurn(ctx, "b1", "b", t0.Add(3*time.Minute)); ok {
		t.Fatal("foreign token must not renew")
	}
	if ok, _ := s.RenewTurn(ctx, "missing", "a", t0); ok {
		t.Fatal("unknown batch must not renew")
	}
}

func TestMemoryStoreRenewAfterTakeover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 1)

	_, _ = s.AcquireTurn(ctx, "b1", "a", t0, t0.Add(time.Minute))
	if ok, _ := s.AcquireTurn(ctx, "b1", "b", t0.Add(61*time.Second), t0.Add(2*time.Minute)); !ok {
		t.Fatal("expired lease should be taken over")
	}
	if ok, _ := s.RenewTurn(ctx, "b1", "a", t0.Add(3*time.Minute)); ok {
		t.Fatal("previous holder must not renew after a takeover")
	}
}

func TestMemoryStoreTurnRequiresActiveBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 1)

	if ok, _ := s.UpdateStatus(ctx, "b1", model.BatchProcessing, model.BatchPaused, t0); !ok {
		t.Fatal("pause should apply")
	}
	if ok, _ := s.AcquireTurn(ctx, "b1", "a", t0, t0.Add(time.Minute)); ok {
		t.Fatal("paused batch must not hand out turns")
	}
	if ok, _ := s.UpdateStatus(ctx, "b1", model.BatchProcessing, model.BatchCancelled, t0); ok {
		t.Fatal("status CAS must fail when from does not match")
	}
}

func TestMemoryStoreConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 50)

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := s.ClaimNext(ctx, "b1", t0)
				if err != nil || it == nil {
					return
				}
				if ok, _ := s.MarkSent(ctx, *it, t0); ok {
					mu.Lock()
					seen[it.ID]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("sent %d distinct items, want 50", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %d recorded sent %d times", id, n)
		}
	}
	b, _ := s.GetBatch(ctx, "b1")
	if b.SentCount != 50 {
		t.Fatalf("sent_count = %d, want 50", b.SentCount)
	}
}

func TestMemoryStoreDeleteBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 2)

	if err := s.DeleteBatch(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBatch() error = %v", err)
	}
	if items, _ := s.ListItems(ctx, "b1", model.ItemFilter{}); len(items) != 0 {
		t.Fatalf("orphaned items: %d", len(items))
	}
	if err := s.DeleteBatch(ctx, "b1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreMonitorQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 3)

	a, _ := s.ClaimNext(ctx, "b1", t0)
	_, _ = s.MarkSent(ctx, *a, t0.Add(time.Minute))
	b, _ := s.ClaimNext(ctx, "b1", t0)
	_, _ = s.MarkFailed(ctx, *b, "boom", t0.Add(2*time.Minute))

	tot, _ := s.Totals(ctx, t0)
	want := model.Totals{SentToday: 1, FailedToday: 1, Processing: 0, Pending: 1}
	if tot != want {
		t.Fatalf("Totals() = %+v, want %+v", tot, want)
	}

	ev, _ := s.RecentEvents(ctx, 10)
	if len(ev) != 2 {
		t.Fatalf("events = %d, want 2", len(ev))
	}
	if ev[0].Status != model.ItemFailed || ev[0].BatchTitle != "title-b1" {
		t.Fatalf("newest event = %+v, want failed of title-b1", ev[0])
	}

	failed, _ := s.ListItems(ctx, "b1", model.ItemFilter{Status: model.ItemFailed})
	if len(failed) != 1 || failed[0].ErrorMessage == nil || *failed[0].ErrorMessage != "boom" {
		t.Fatalf("failed items = %+v", failed)
	}
}

func TestMemoryStoreListBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	seedBatch(t, s, "b1", 1)
	seedBatch(t, s, "b2", 1)
	_, _ = s.UpdateStatus(ctx, "b2", model.BatchProcessing, model.BatchCancelled, t0)

	active, _ := s.ListBatches(ctx, []model.BatchStatus{model.BatchPending, model.BatchProcessing}, 0)
	if len(active) != 1 || active[0].ID != "b1" {
		t.Fatalf("active = %+v, want only b1", active)
	}
	all, _ := s.ListBatches(ctx, nil, 0)
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}
}
