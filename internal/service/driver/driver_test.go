package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/dispatch-batch/internal/gateway"
	"github.com/jmehdipour/dispatch-batch/internal/media"
	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
)

type fakeGateway struct {
	mu          sync.Mutex
	sendTextFn  func(phone, text string) gateway.Result
	sendMediaFn func(phone string, m gateway.Media, caption string) gateway.Result
	sends       map[string]int
}

func (g *fakeGateway) count(phone string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sends == nil {
		g.sends = map[string]int{}
	}
	g.sends[phone]++
}

func (g *fakeGateway) SendText(_ context.Context, phone, text string) gateway.Result {
	r := gateway.Result{OK: true}
	if g.sendTextFn != nil {
		r = g.sendTextFn(phone, text)
	}
	if r.OK {
		g.count(phone)
	}
	return r
}

func (g *fakeGateway) SendMedia(_ context.Context, phone string, m gateway.Media, caption string) gateway.Result {
	r := gateway.Result{OK: true}
	if g.sendMediaFn != nil {
		r = g.sendMediaFn(phone, m, caption)
	}
	if r.OK {
		g.count(phone)
	}
	return r
}

type fakeMedia struct {
	payloadFn func(batchID, ref string) *media.Payload
}

func (f fakeMedia) Payload(_ context.Context, batchID, ref string) *media.Payload {
	if f.payloadFn == nil {
		return nil
	}
	return f.payloadFn(batchID, ref)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store *repository.MemoryStore
	gw    *fakeGateway
	clk   *clock
	drv   *Driver
}

func newFixture(t *testing.T, m MediaSource) *fixture {
	t.Helper()
	f := &fixture{
		store: repository.NewMemoryStore(),
		gw:    &fakeGateway{},
		clk:   &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.drv = New(f.store, f.gw, m, time.Minute, nil)
	f.drv.now = f.clk.Now
	var n atomic.Int64
	f.drv.newToken = func() string { return fmt.Sprintf("tok-%d", n.Add(1)) }
	return f
}

func (f *fixture) batch(t *testing.T, id string, subject model.Subject, n, delayMin, delayMax int) {
	t.Helper()
	items := make([]model.QueueItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, model.QueueItem{
			RecipientID:    int64(i),
			RecipientName:  fmt.Sprintf("Person %d", i),
			RecipientPhone: fmt.Sprintf("+4915100000%03d", i),
		})
	}
	b := model.Batch{ID: id, Subject: subject, TotalCount: n, DelayMin: delayMin, DelayMax: delayMax, CreatedAt: f.clk.Now()}
	if err := f.store.CreateBatch(context.Background(), b, items, model.OutboxEvent{}); err != nil {
		t.Fatal(err)
	}
}

var textSubject = model.Subject{Title: "Hello {name}", Excerpt: "News", LinkURL: "https://example.org/n"}

func TestStepDrainsBatchWithPacing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch(t, "b1", textSubject, 3, 2, 2)
	ctx := context.Background()

	var sends []time.Time
	for i := 0; i < 20; i++ {
		out, err := f.drv.Step(ctx, "b1")
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if out.Result == ResultSent {
			sends = append(sends, f.clk.Now())
		}
		if out.Done() {
			break
		}
		if out.Result == ResultSent && out.Remaining > 0 && out.Delay != 2*time.Second {
			t.Fatalf("delay = %s, want 2s", out.Delay)
		}
		// a premature call must wait instead of sending
		if out.Delay > 0 {
			early, _ := f.drv.Step(ctx, "b1")
			if early.Result != ResultWaiting || early.Delay != out.Delay {
				t.Fatalf("early Step() = %s/%s, want waiting/%s", early.Result, early.Delay, out.Delay)
			}
		}
		f.clk.Advance(out.Delay)
	}

	b, _ := f.store.GetBatch(ctx, "b1")
	c, _ := f.store.CountItems(ctx, "b1")
	if b.SentCount != 3 || b.FailedCount != 0 || c.Open() != 0 || b.Status != model.BatchCompleted {
		t.Fatalf("final = sent %d failed %d pending %d status %s", b.SentCount, b.FailedCount, c.Open(), b.Status)
	}
	for i := 1; i < len(sends); i++ {
		if gap := sends[i].Sub(sends[i-1]); gap < 2*time.Second {
			t.Fatalf("sends %d and %d only %s apart", i-1, i, gap)
		}
	}

	// completed batches are inert
	out, err := f.drv.Step(ctx, "b1")
	if err != nil || out.Result != ResultInactive {
		t.Fatalf("Step() after completion = %s, %v", out.Result, err)
	}
}

func TestStepLastItemHasNoDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch(t, "b1", textSubject, 1, 5, 9)

	out, err := f.drv.Step(context.Background(), "b1")
	if err != nil || out.Result != ResultSent {
		t.Fatalf("Step() = %+v, %v", out, err)
	}
	if out.Delay != 0 || out.Remaining != 0 {
		t.Fatalf("delay = %s remaining = %d, want 0/0", out.Delay, out.Remaining)
	}
	out, _ = f.drv.Step(context.Background(), "b1")
	if out.Result != ResultCompleted {
		t.Fatalf("second Step() = %s, want completed", out.Result)
	}
}

func TestStepDelayWithinBounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, pick := range []struct {
		rand func(int) int
		want time.Duration
	}{
		{func(int) int { return 0 }, 3 * time.Second},
		{func(n int) int { return n - 1 }, 7 * time.Second},
	} {
		f.drv.randIntn = pick.rand
		if got := f.drv.delay(3, 7); got != pick.want {
			t.Fatalf("delay() = %s, want %s", got, pick.want)
		}
	}

	f.drv.randIntn = func(n int) int {
		if n != 5 {
			t.Fatalf("randIntn(%d), want 5 choices", n)
		}
		return 2
	}
	if got := f.drv.delay(3, 7); got != 5*time.Second {
		t.Fatalf("delay() = %s", got)
	}
}

func TestStepPersonalizesText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var got string
	f.gw.sendTextFn = func(phone, text string) gateway.Result {
		got = text
		return gateway.Result{OK: true}
	}
	f.batch(t, "b1", textSubject, 1, 0, 0)

	if _, err := f.drv.Step(context.Background(), "b1"); err != nil {
		t.Fatal(err)
	}
	want := "Hello Person 1\n\nNews\n\nhttps://example.org/n"
	if got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestStepFallbackToImageURL(t *testing.T) {
	t.Parallel()

	payload := &media.Payload{Data: []byte("jpeg"), MimeType: "image/jpeg", FileName: "a.jpg"}
	f := newFixture(t, fakeMedia{payloadFn: func(string, string) *media.Payload { return payload }})
	f.gw.sendMediaFn = func(phone string, m gateway.Media, caption string) gateway.Result {
		if m.Inline() {
			return gateway.Result{Error: "payload rejected"}
		}
		return gateway.Result{OK: true}
	}
	f.gw.sendTextFn = func(string, string) gateway.Result {
		t.Fatal("text fallback must not run after a successful url send")
		return gateway.Result{}
	}
	subject := textSubject
	subject.ImageURL = "https://cdn.example/a.jpg"
	f.batch(t, "b1", subject, 1, 0, 0)

	out, err := f.drv.Step(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSent || out.Item.Status != model.ItemSent {
		t.Fatalf("outcome = %+v, want sent", out)
	}
	want := []Attempt{{Kind: KindMediaPayload, Error: "payload rejected"}, {Kind: KindMediaURL, OK: true}}
	if len(out.Attempts) != 2 || out.Attempts[0] != want[0] || out.Attempts[1] != want[1] {
		t.Fatalf("attempts = %+v, want %+v", out.Attempts, want)
	}
}

func TestStepFallbackToText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fakeMedia{}) // optimizer found nothing
	f.gw.sendMediaFn = func(string, gateway.Media, string) gateway.Result {
		return gateway.Result{Error: "url unreachable"}
	}
	subject := textSubject
	subject.ImageURL = "https://cdn.example/gone.jpg"
	f.batch(t, "b1", subject, 1, 0, 0)

	out, _ := f.drv.Step(context.Background(), "b1")
	if out.Result != ResultSent {
		t.Fatalf("result = %s, want sent via text", out.Result)
	}
	kinds := []string{KindMediaPayload, KindMediaURL, KindText}
	if len(out.Attempts) != 3 {
		t.Fatalf("attempts = %+v", out.Attempts)
	}
	for i, k := range kinds {
		if out.Attempts[i].Kind != k {
			t.Fatalf("attempt %d kind = %s, want %s", i, out.Attempts[i].Kind, k)
		}
	}
	if out.Attempts[0].Error != errMediaUnavailable {
		t.Fatalf("first attempt error = %q", out.Attempts[0].Error)
	}
}

func TestStepAllAttemptsFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.gw.sendTextFn = func(string, string) gateway.Result {
		return gateway.Result{Error: "gateway: status 500"}
	}
	f.batch(t, "b1", textSubject, 2, 0, 0)
	ctx := context.Background()

	out, err := f.drv.Step(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultFailed || out.Item.ErrorMessage == nil || *out.Item.ErrorMessage != "gateway: status 500" {
		t.Fatalf("outcome = %+v, want failed with message", out)
	}
	// failures never stop the batch
	out, _ = f.drv.Step(ctx, "b1")
	if out.Result != ResultFailed || out.Item.RecipientID != 2 {
		t.Fatalf("second Step() = %+v, want recipient 2 failed", out)
	}
	out, _ = f.drv.Step(ctx, "b1")
	if out.Result != ResultCompleted {
		t.Fatalf("third Step() = %s, want completed", out.Result)
	}
	b, _ := f.store.GetBatch(ctx, "b1")
	if b.FailedCount != 2 || b.SentCount+b.FailedCount != b.TotalCount {
		t.Fatalf("counters = %d/%d", b.SentCount, b.FailedCount)
	}
}

func TestStepHonorsPauseAndCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch(t, "b1", textSubject, 3, 0, 0)
	ctx := context.Background()

	if out, _ := f.drv.Step(ctx, "b1"); out.Result != ResultSent {
		t.Fatalf("first Step() = %s", out.Result)
	}
	_, _ = f.store.UpdateStatus(ctx, "b1", model.BatchProcessing, model.BatchPaused, f.clk.Now())
	for i := 0; i < 3; i++ {
		out, err := f.drv.Step(ctx, "b1")
		if err != nil || out.Result != ResultInactive || out.Status != model.BatchPaused {
			t.Fatalf("paused Step() = %+v, %v", out, err)
		}
	}
	if c, _ := f.store.CountItems(ctx, "b1"); c.Pending != 2 || c.Processing != 0 {
		t.Fatalf("paused batch claimed items: %+v", c)
	}

	_, _ = f.store.UpdateStatus(ctx, "b1", model.BatchPaused, model.BatchProcessing, f.clk.Now())
	if out, _ := f.drv.Step(ctx, "b1"); out.Result != ResultSent || out.Item.RecipientID != 2 {
		t.Fatalf("resumed Step() = %+v", out)
	}

	_, _ = f.store.UpdateStatus(ctx, "b1", model.BatchProcessing, model.BatchCancelled, f.clk.Now())
	for i := 0; i < 3; i++ {
		if out, _ := f.drv.Step(ctx, "b1"); out.Result != ResultInactive {
			t.Fatalf("cancelled Step() = %s", out.Result)
		}
	}
	if got := len(f.gw.sends); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestStepRevisitsItemLeftProcessing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch(t, "b1", textSubject, 2, 0, 0)
	ctx := context.Background()

	// a crashed invocation: turn taken, item claimed, nothing released
	now := f.clk.Now()
	_, _ = f.store.AcquireTurn(ctx, "b1", "crashed", now, now.Add(time.Minute))
	stale, _ := f.store.ClaimNext(ctx, "b1", now)

	if out, _ := f.drv.Step(ctx, "b1"); out.Result != ResultWaiting {
		t.Fatalf("Step() during lease = %s, want waiting", out.Result)
	}

	f.clk.Advance(time.Minute + time.Second)
	out, err := f.drv.Step(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != ResultSent || out.Item.ID != stale.ID {
		t.Fatalf("Step() = %+v, want the stale item %d sent", out, stale.ID)
	}
}

type flakyStore struct {
	*repository.MemoryStore
	down atomic.Bool
}

func (s *flakyStore) ClaimNext(ctx context.Context, batchID string, now time.Time) (*model.QueueItem, error) {
	if s.down.Load() {
		return nil, fmt.Errorf("claim item: %w", model.ErrStoreUnavailable)
	}
	return s.MemoryStore.ClaimNext(ctx, batchID, now)
}

func TestStepStoreFaultAbortsOnlyThisInvocation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch(t, "b1", textSubject, 1, 0, 0)
	store := &flakyStore{MemoryStore: f.store}
	f.drv.store = store
	ctx := context.Background()

	store.down.Store(true)
	_, err := f.drv.Step(ctx, "b1")
	if !errors.Is(err, model.ErrStoreUnavailable) || !IsStoreFault(err) {
		t.Fatalf("Step() error = %v, want store fault", err)
	}
	if len(f.gw.sends) != 0 {
		t.Fatal("no send may happen without a claim")
	}

	store.down.Store(false)
	out, err := f.drv.Step(ctx, "b1")
	if err != nil || out.Result != ResultSent {
		t.Fatalf("retry Step() = %+v, %v", out, err)
	}
}

func TestStepUnknownBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if _, err := f.drv.Step(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentStepsNeverDoubleSend(t *testing.T) {
	t.Parallel()

	const recipients = 40
	f := newFixture(t, nil)
	f.gw.sendTextFn = func(string, string) gateway.Result {
		time.Sleep(100 * time.Microsecond)
		return gateway.Result{OK: true}
	}
	f.batch(t, "b1", textSubject, recipients, 0, 0)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				out, err := f.drv.Step(context.Background(), "b1")
				if err != nil {
					t.Errorf("Step() error = %v", err)
					return
				}
				if out.Done() {
					return
				}
				if out.Result == ResultWaiting {
					time.Sleep(50 * time.Microsecond)
				}
			}
		}()
	}
	wg.Wait()

	if len(f.gw.sends) != recipients {
		t.Fatalf("distinct recipients sent = %d, want %d", len(f.gw.sends), recipients)
	}
	for phone, n := range f.gw.sends {
		if n != 1 {
			t.Fatalf("%s received %d sends", phone, n)
		}
	}
	b, _ := f.store.GetBatch(context.Background(), "b1")
	if b.Status != model.BatchCompleted || b.SentCount != recipients {
		t.Fatalf("batch = %s sent %d", b.Status, b.SentCount)
	}
}

func TestStepRenewsTurnAcrossFallbacks(t *testing.T) {
	t.Parallel()

	payload := &media.Payload{Data: []byte("jpeg"), MimeType: "image/jpeg", FileName: "a.jpg"}
	f := newFixture(t, fakeMedia{payloadFn: func(string, string) *media.Payload { return payload }})
	f.gw.sendMediaFn = func(string, gateway.Media, string) gateway.Result {
		f.clk.Advance(40 * time.Second)
		return gateway.Result{Error: "media rejected"}
	}
	var nested Outcome
	f.gw.sendTextFn = func(string, string) gateway.Result {
		// 80s into a step with a 1m lease, a second invocation arrives
		var err error
		nested, err = f.drv.Step(context.Background(), "b1")
		if err != nil {
			t.Errorf("nested Step() error = %v", err)
		}
		return gateway.Result{OK: true}
	}
	subject := textSubject
	subject.ImageURL = "https://cdn.example/a.jpg"
	f.batch(t, "b1", subject, 2, 0, 0)

	out, err := f.drv.Step(context.Background(), "b1")
	if err != nil || out.Result != ResultSent {
		t.Fatalf("Step() = %+v, %v", out, err)
	}
	if nested.Result != ResultWaiting {
		t.Fatalf("nested Step() = %s, want waiting", nested.Result)
	}
	for phone, n := range f.gw.sends {
		if n != 1 {
			t.Fatalf("%s received %d sends", phone, n)
		}
	}
	if len(f.gw.sends) != 1 {
		t.Fatalf("sends = %v, want only the first recipient", f.gw.sends)
	}
}

func TestStepStopsWhenTurnIsTakenOver(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var textCalls int
	f.gw.sendMediaFn = func(string, gateway.Media, string) gateway.Result {
		// the call outlives the lease and another invocation takes the turn
		f.clk.Advance(61 * time.Second)
		now := f.clk.Now()
		if ok, _ := f.store.AcquireTurn(context.Background(), "b1", "other", now, now.Add(time.Minute)); !ok {
			t.Error("expired lease should be taken over")
		}
		return gateway.Result{Error: "timeout"}
	}
	f.gw.sendTextFn = func(string, string) gateway.Result {
		textCalls++
		return gateway.Result{OK: true}
	}
	subject := textSubject
	subject.ImageURL = "https://cdn.example/a.jpg"
	f.batch(t, "b1", subject, 1, 0, 0)
	ctx := context.Background()

	out, err := f.drv.Step(ctx, "b1")
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if out.Result != ResultWaiting || len(out.Attempts) != 2 {
		t.Fatalf("Step() = %s with %d attempts, want waiting after the url attempt", out.Result, len(out.Attempts))
	}
	if textCalls != 0 {
		t.Fatalf("text fallback ran %d times after the turn was lost", textCalls)
	}

	// the item is left for the new holder to finish
	c, _ := f.store.CountItems(ctx, "b1")
	b, _ := f.store.GetBatch(ctx, "b1")
	if c.Processing != 1 || b.SentCount != 0 || b.FailedCount != 0 {
		t.Fatalf("counts = %+v, batch sent %d failed %d", c, b.SentCount, b.FailedCount)
	}
}

type countFaultStore struct {
	*repository.MemoryStore
	failures atomic.Int32
}

func (s *countFaultStore) CountItems(ctx context.Context, batchID string) (model.ItemCounts, error) {
	if s.failures.Add(-1) >= 0 {
		return model.ItemCounts{}, fmt.Errorf("count items: %w", model.ErrStoreUnavailable)
	}
	return s.MemoryStore.CountItems(ctx, batchID)
}

func TestStepStoreFaultAfterSendKeepsPacing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch(t, "b1", textSubject, 3, 30, 30)
	store := &countFaultStore{MemoryStore: f.store}
	store.failures.Store(1)
	f.drv.store = store
	ctx := context.Background()

	_, err := f.drv.Step(ctx, "b1")
	if !IsStoreFault(err) {
		t.Fatalf("Step() error = %v, want store fault", err)
	}
	first := f.clk.Now()
	if len(f.gw.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(f.gw.sends))
	}

	// an immediate retry must not reach the next recipient
	f.clk.Advance(time.Second)
	out, err := f.drv.Step(ctx, "b1")
	if err != nil || out.Result != ResultWaiting {
		t.Fatalf("retry Step() = %+v, %v, want waiting", out, err)
	}
	if out.Delay != 29*time.Second {
		t.Fatalf("retry delay = %s, want 29s", out.Delay)
	}
	if len(f.gw.sends) != 1 {
		t.Fatalf("sends = %d after retry, want 1", len(f.gw.sends))
	}

	f.clk.Advance(out.Delay)
	out, err = f.drv.Step(ctx, "b1")
	if err != nil || out.Result != ResultSent {
		t.Fatalf("paced Step() = %+v, %v", out, err)
	}
	if gap := f.clk.Now().Sub(first); gap < 30*time.Second {
		t.Fatalf("gap between real sends = %s, want at least 30s", gap)
	}
}

func TestResumeAtSkipsDelayWithoutGatewayCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	b := model.Batch{DelayMin: 10, DelayMax: 10}
	at := f.clk.Now()

	if got := f.drv.resumeAt(b, at, nil); !got.Equal(at) {
		t.Fatalf("no attempts: resumeAt = %s, want %s", got, at)
	}
	unavailable := []Attempt{{Kind: KindMediaPayload, Error: errMediaUnavailable}}
	if got := f.drv.resumeAt(b, at, unavailable); !got.Equal(at) {
		t.Fatalf("unavailable media: resumeAt = %s, want %s", got, at)
	}
	called := append(unavailable, Attempt{Kind: KindMediaURL, Error: "status 500"})
	if got := f.drv.resumeAt(b, at, called); !got.Equal(at.Add(10 * time.Second)) {
		t.Fatalf("after a call: resumeAt = %s, want +10s", got)
	}
}
