package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/kafka"
	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/util"
)

// MessageSource is the consumer side of the batch-created topic.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Waker receives batch ids that should be stepped now.
type Waker interface {
	Wake(batchID string)
}

// Trigger turns batch-created envelopes into scheduler wake-ups so a new
// batch starts without waiting for the next tick.
type Trigger struct {
	source MessageSource
	waker  Waker
	log    *zap.Logger

	retryWait time.Duration
}

func NewTrigger(source MessageSource, waker Waker, log *zap.Logger) *Trigger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{
		source:    source,
		waker:     waker,
		log:       log.Named("trigger"),
		retryWait: 200 * time.Millisecond,
	}
}

// Run consumes until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	for {
		m, err := t.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.retryWait):
			}
			continue
		}
		t.handle(ctx, m)
	}
}

func (t *Trigger) handle(ctx context.Context, m kafka.Message) {
	if id := batchIDOf(m); id != "" {
		t.waker.Wake(id)
	} else {
		t.log.Warn("skipping message without batch id", zap.Int64("offset", m.Offset))
	}

	// wake-ups are idempotent, so poison messages are committed too
	if err := t.source.Commit(ctx, m); err != nil && ctx.Err() == nil {
		t.log.Warn("kafka commit failed", zap.Error(err))
	}
}

// batchIDOf reads the envelope, falling back to the message key the
// outbox connector sets to the aggregate id.
func batchIDOf(m kafka.Message) string {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err == nil && util.ValidID(env.BatchID) {
		return env.BatchID
	}
	if key := string(m.Key); util.ValidID(key) {
		return key
	}
	return ""
}
