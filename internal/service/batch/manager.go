// Package batch owns batch lifecycle: creation, progress, operator status
// changes and deletion.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
	"github.com/jmehdipour/dispatch-batch/internal/util"
)

// statusRetries bounds compare-and-set retries when another writer changes
// the batch status between our read and write.
const statusRetries = 3

// Column widths of dispatch_batches, in characters.
const (
	maxTitleLen    = 255
	maxURLLen      = 2048
	maxOperatorLen = 191
)

// MediaForgetter drops per-batch media state on deletion.
type MediaForgetter interface {
	Forget(ctx context.Context, batchID string) error
}

type Manager struct {
	store repository.DispatchStore
	media MediaForgetter
	log   *zap.Logger

	now   func() time.Time
	newID func() string
}

func New(store repository.DispatchStore, media MediaForgetter, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store: store,
		media: media,
		log:   log.Named("batch"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: util.NewID,
	}
}

type operatorKey struct{}

// WithOperator tags ctx with the operator creating a batch.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey{}, name)
}

func operator(ctx context.Context) string {
	name, _ := ctx.Value(operatorKey{}).(string)
	return name
}

// CreateBatch stores a batch with one pending item per distinct recipient
// and starts it. Recipients without a valid phone are skipped.
func (m *Manager) CreateBatch(ctx context.Context, subject model.Subject, recipients []model.Recipient, delayMin, delayMax int) (string, error) {
	if delayMin < 0 || delayMin > delayMax {
		return "", fmt.Errorf("%w: delay bounds [%d, %d]", model.ErrInvalidInput, delayMin, delayMax)
	}
	if strings.TrimSpace(subject.Title) == "" && strings.TrimSpace(subject.Body) == "" && strings.TrimSpace(subject.Excerpt) == "" {
		return "", fmt.Errorf("%w: subject has no content", model.ErrInvalidInput)
	}
	if err := checkLengths(subject, operator(ctx)); err != nil {
		return "", err
	}

	items := make([]model.QueueItem, 0, len(recipients))
	seen := make(map[int64]bool, len(recipients))
	for _, r := range recipients {
		if seen[r.ID] || !util.ValidPhone(r.Phone) {
			continue
		}
		seen[r.ID] = true
		items = append(items, model.QueueItem{RecipientID: r.ID, RecipientName: r.Name, RecipientPhone: r.Phone})
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: no recipients", model.ErrInvalidInput)
	}

	id := m.newID()
	now := m.now()
	b := model.Batch{
		ID:         id,
		Subject:    subject,
		TotalCount: len(items),
		DelayMin:   delayMin,
		DelayMax:   delayMax,
		Status:     model.BatchPending,
		CreatedBy:  operator(ctx),
		CreatedAt:  now,
	}

	payload, err := json.Marshal(model.Envelope{BatchID: id, Total: len(items)})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	evt := model.OutboxEvent{
		Aggregate:   "batch",
		AggregateID: id,
		Topic:       repository.TopicBatches,
		Payload:     payload,
		CreatedAt:   now,
	}

	if err := m.store.CreateBatch(ctx, b, items, evt); err != nil {
		return "", err
	}

	m.log.Info("batch created",
		zap.String("batch_id", id),
		zap.Int("total", len(items)),
		zap.Int("skipped", len(recipients)-len(items)),
		zap.Int("delay_min", delayMin),
		zap.Int("delay_max", delayMax),
	)
	return id, nil
}

func checkLengths(s model.Subject, createdBy string) error {
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"title", s.Title, maxTitleLen},
		{"image_url", s.ImageURL, maxURLLen},
		{"link_url", s.LinkURL, maxURLLen},
		{"operator", createdBy, maxOperatorLen},
	} {
		if n := utf8.RuneCountInString(f.value); n > f.max {
			return fmt.Errorf("%w: %s is %d characters, at most %d allowed", model.ErrInvalidInput, f.name, n, f.max)
		}
	}
	return nil
}

func (m *Manager) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	return m.store.GetBatch(ctx, id)
}

// GetProgress reports counters of a batch; pending covers items not yet
// in a terminal state.
func (m *Manager) GetProgress(ctx context.Context, id string) (model.Progress, error) {
	b, err := m.store.GetBatch(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	c, err := m.store.CountItems(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	return model.Progress{
		BatchID:    b.ID,
		Total:      b.TotalCount,
		Sent:       b.SentCount,
		Failed:     b.FailedCount,
		Pending:    c.Open(),
		Percentage: model.Percentage(b.SentCount+b.FailedCount, b.TotalCount),
		Status:     b.Status,
	}, nil
}

// SetStatus applies an allowed transition and reports whether it took
// effect. Disallowed transitions are a no-op. Completion is accepted only
// for a batch with no open items.
func (m *Manager) SetStatus(ctx context.Context, id string, to model.BatchStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, to)
	}

	for attempt := 0; attempt < statusRetries; attempt++ {
		b, err := m.store.GetBatch(ctx, id)
		if err != nil {
			return false, err
		}
		if !model.CanTransition(b.Status, to) {
			m.log.Debug("status change ignored",
				zap.String("batch_id", id),
				zap.String("from", b.Status.String()),
				zap.String("to", to.String()),
			)
			return false, nil
		}

		var applied bool
		if to == model.BatchCompleted {
			applied, err = m.store.CompleteBatch(ctx, id, m.now())
			if err == nil && !applied {
				return false, nil
			}
		} else {
			applied, err = m.store.UpdateStatus(ctx, id, b.Status, to, m.now())
		}
		if err != nil {
			return false, err
		}
		if applied {
			m.log.Info("batch status changed",
				zap.String("batch_id", id),
				zap.String("from", b.Status.String()),
				zap.String("to", to.String()),
			)
			return true, nil
		}
	}
	return false, nil
}

// DeleteBatch removes a batch and all its items.
func (m *Manager) DeleteBatch(ctx context.Context, id string) error {
	if err := m.store.DeleteBatch(ctx, id); err != nil {
		return err
	}
	if m.media != nil {
		if err := m.media.Forget(ctx, id); err != nil {
			m.log.Warn("forget media failed", zap.String("batch_id", id), zap.Error(err))
		}
	}
	m.log.Info("batch deleted", zap.String("batch_id", id))
	return nil
}

func (m *Manager) ListBatches(ctx context.Context, status string, limit int) ([]model.Batch, error) {
	var statuses []model.BatchStatus
	if status != "" {
		s, ok := model.ParseBatchStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, status)
		}
		statuses = append(statuses, s)
	}
	return m.store.ListBatches(ctx, statuses, limit)
}

// ListItems is the per-item log of a batch.
func (m *Manager) ListItems(ctx context.Context, id string, f model.ItemFilter) ([]model.QueueItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown item status %q", model.ErrInvalidInput, f.Status)
	}
	if _, err := m.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListItems(ctx, id, f)
}
