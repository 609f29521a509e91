// Package monitor aggregates store state for the operator dashboard.
package monitor

import (
	"context"
	"time"

	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
)

type Reporter struct {
	store       repository.DispatchStore
	activeLimit int
	recentLimit int
	loc         *time.Location
	now         func() time.Time
}

// New builds a reporter. "Today" starts at local midnight in loc (UTC when nil).
func New(store repository.DispatchStore, activeLimit, recentLimit int, loc *time.Location) *Reporter {
	if activeLimit <= 0 {
		activeLimit = 10
	}
	if recentLimit <= 0 {
		recentLimit = 20
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{
		store:       store,
		activeLimit: activeLimit,
		recentLimit: recentLimit,
		loc:         loc,
		now:         time.Now,
	}
}

// Report returns headline counters, running batches with live counters and
// the latest terminal item events.
func (r *Reporter) Report(ctx context.Context) (model.Report, error) {
	now := r.now().In(r.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)

	totals, err := r.store.Totals(ctx, midnight.UTC())
	if err != nil {
		return model.Report{}, err
	}
	active, err := r.store.ListBatches(ctx, []model.BatchStatus{
		model.BatchPending, model.BatchProcessing, model.BatchPaused,
	}, r.activeLimit)
	if err != nil {
		return model.Report{}, err
	}
	events, err := r.store.RecentEvents(ctx, r.recentLimit)
	if err != nil {
		return model.Report{}, err
	}

	return model.Report{
		Totals:        totals,
		ActiveBatches: active,
		RecentEvents:  events,
		GeneratedAt:   now.UTC(),
	}, nil
}
