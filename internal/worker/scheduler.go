package worker

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/metrics"
	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/service/driver"
)

const adapterBackground = "background"

// Stepper is the driver as seen by the scheduler.
type Stepper interface {
	Step(ctx context.Context, batchID string) (driver.Outcome, error)
}

// BatchLister lists batches the scheduler should keep advancing.
type BatchLister interface {
	ListBatches(ctx context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error)
}

// Scheduler is the background adapter. Every tick it lists the active
// batches and runs one driver step for each batch whose delay has elapsed,
// at most MaxConcurrent at a time and never two for the same batch.
type Scheduler struct {
	batches  BatchLister
	driver   Stepper
	interval time.Duration
	log      *zap.Logger

	// MaxConcurrent bounds the batches stepped in parallel.
	MaxConcurrent int
	// ErrorBackoff is the wait after a store fault.
	ErrorBackoff time.Duration

	mu      sync.Mutex
	nextRun map[string]time.Time
	running map[string]bool
	sem     chan struct{}
	wake    chan string
	wg      sync.WaitGroup

	now func() time.Time
}

func NewScheduler(batches BatchLister, d Stepper, interval time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Scheduler{
		batches:       batches,
		driver:        d,
		interval:      interval,
		log:           log.Named("scheduler"),
		MaxConcurrent: 8,
		ErrorBackoff:  10 * time.Second,
		nextRun:       make(map[string]time.Time),
		running:       make(map[string]bool),
		wake:          make(chan string, 64),
		now:           time.Now,
	}
}

// Wake asks for an immediate step of batchID. It never blocks; a dropped
// wake-up is covered by the next tick.
func (s *Scheduler) Wake(batchID string) {
	select {
	case s.wake <- batchID:
	default:
		s.log.Debug("wake dropped", zap.String("batch_id", batchID))
	}
}

// Run ticks until ctx is done, then waits for in-flight steps.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.Tick(ctx) }))
	c.Start()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("max_concurrent", s.MaxConcurrent),
	)

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case id := <-s.wake:
			s.mu.Lock()
			delete(s.nextRun, id)
			s.mu.Unlock()
			s.launch(ctx, id)
		}
	}
}

// Tick starts a step for every due batch and returns without waiting.
func (s *Scheduler) Tick(ctx context.Context) {
	list, err := s.batches.ListBatches(ctx, []model.BatchStatus{model.BatchPending, model.BatchProcessing}, 1000)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("list active batches failed", zap.Error(err))
		}
		return
	}

	active := make(map[string]bool, len(list))
	for _, b := range list {
		active[b.ID] = true
		s.launch(ctx, b.ID)
	}

	// forget batches that left the active set
	s.mu.Lock()
	for id := range s.nextRun {
		if !active[id] && !s.running[id] {
			delete(s.nextRun, id)
		}
	}
	s.mu.Unlock()
}

// Wait blocks until all launched steps have returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) launch(ctx context.Context, batchID string) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.sem == nil {
		s.sem = make(chan struct{}, max(s.MaxConcurrent, 1))
	}
	if s.running[batchID] {
		s.mu.Unlock()
		return
	}
	if at, ok := s.nextRun[batchID]; ok && s.now().Before(at) {
		s.mu.Unlock()
		return
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.mu.Unlock()
		return
	}
	s.running[batchID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.step(ctx, batchID)
	}()
}

func (s *Scheduler) step(ctx context.Context, batchID string) {
	out, err := s.driver.Step(ctx, batchID)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, batchID)

	if err != nil {
		metrics.DriverStepsTotal.WithLabelValues(adapterBackground, "error").Inc()
		s.nextRun[batchID] = s.now().Add(s.ErrorBackoff)
		if ctx.Err() == nil {
			s.log.Warn("step failed", zap.String("batch_id", batchID), zap.Error(err))
		}
		return
	}

	metrics.DriverStepsTotal.WithLabelValues(adapterBackground, string(out.Result)).Inc()
	if out.Done() {
		delete(s.nextRun, batchID)
		return
	}
	s.nextRun[batchID] = s.now().Add(out.Delay)
}
