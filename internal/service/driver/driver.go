// Package driver advances dispatch batches one item at a time. The same
// Step is used by the foreground "process next" endpoint and by the
// background scheduler; it never sleeps, it returns how long to wait.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/gateway"
	"github.com/jmehdipour/dispatch-batch/internal/media"
	"github.com/jmehdipour/dispatch-batch/internal/metrics"
	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
	"github.com/jmehdipour/dispatch-batch/internal/util"
)

type Result string

const (
	ResultSent      Result = "sent"
	ResultFailed    Result = "failed"
	ResultWaiting   Result = "waiting"   // another invocation holds the turn or pacing is in effect
	ResultInactive  Result = "inactive"  // paused, cancelled or completed
	ResultCompleted Result = "completed" // this step completed the batch
)

// Attempt kinds, in fallback order.
const (
	KindMediaPayload = "media_payload"
	KindMediaURL     = "media_url"
	KindText         = "text"
)

const errMediaUnavailable = "media unavailable"

var errTurnLost = errors.New("batch turn lost")

// Attempt is one gateway call made for an item.
type Attempt struct {
	Kind  string `json:"kind"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Outcome describes what one Step did and when to call it again.
type Outcome struct {
	BatchID  string            `json:"batch_id"`
	Result   Result            `json:"result"`
	Status   model.BatchStatus `json:"status"`
	Item     *model.QueueItem  `json:"item,omitempty"`
	Attempts []Attempt         `json:"attempts,omitempty"`
	// Remaining counts items not yet sent or failed after this step.
	Remaining int `json:"remaining"`
	// Delay is the wait before the next Step for this batch. Zero when the
	// batch needs no further steps or the next step can run at once.
	Delay time.Duration `json:"-"`
}

// Done reports whether further steps for the batch are pointless.
func (o Outcome) Done() bool {
	return o.Result == ResultInactive || o.Result == ResultCompleted
}

// MediaSource yields the optimized payload of a batch image, nil when
// the image is unavailable.
type MediaSource interface {
	Payload(ctx context.Context, batchID, ref string) *media.Payload
}

type Driver struct {
	store    repository.DispatchStore
	gw       gateway.Client
	media    MediaSource
	leaseTTL time.Duration
	log      *zap.Logger

	now      func() time.Time
	randIntn func(n int) int
	newToken func() string
}

func New(store repository.DispatchStore, gw gateway.Client, media MediaSource, leaseTTL time.Duration, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = 6 * time.Minute
	}
	return &Driver{
		store:    store,
		gw:       gw,
		media:    media,
		leaseTTL: leaseTTL,
		log:      log.Named("driver"),
		now:      func() time.Time { return time.Now().UTC() },
		randIntn: rand.Intn,
		newToken: util.NewID,
	}
}

// Step runs one claim-send-record cycle for batchID. Per-item send
// failures are part of the Outcome; only store faults are returned as
// errors, and they leave the batch for the next invocation to retry.
func (d *Driver) Step(ctx context.Context, batchID string) (Outcome, error) {
	out := Outcome{BatchID: batchID}

	b, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return out, err
	}
	out.Status = b.Status
	if !b.Status.Active() {
		out.Result = ResultInactive
		return out, nil
	}

	now := d.now()
	token := d.newToken()
	acquired, err := d.store.AcquireTurn(ctx, batchID, token, now, now.Add(d.leaseTTL))
	if err != nil {
		return out, err
	}
	if !acquired {
		return d.waiting(ctx, out)
	}

	item, err := d.store.ClaimNext(ctx, batchID, now)
	if err != nil {
		d.release(batchID, token, now)
		return out, err
	}
	if item == nil {
		return d.complete(ctx, out, token, now)
	}

	// the send and its terminal write finish even if the caller goes away
	work := context.WithoutCancel(ctx)
	attempts, err := d.deliver(work, b, *item, token)
	out.Attempts = attempts
	if errors.Is(err, errTurnLost) {
		// the new holder reclaims the item; nothing is recorded here
		d.log.Warn("turn lost during delivery",
			zap.String("batch_id", batchID),
			zap.Int64("item_id", item.ID),
			zap.Int("attempts", len(attempts)),
		)
		return d.waiting(work, out)
	}
	if err != nil {
		d.release(batchID, token, d.resumeAt(b, d.now(), attempts))
		return out, err
	}

	last := attempts[len(attempts)-1]
	finished := d.now()
	if last.OK {
		out.Result = ResultSent
		err = d.markSent(work, item, finished)
	} else {
		out.Result = ResultFailed
		err = d.markFailed(work, item, last.Error, finished)
	}
	if err != nil {
		d.release(batchID, token, d.resumeAt(b, finished, attempts))
		return out, err
	}
	out.Item = item

	counts, err := d.store.CountItems(work, batchID)
	if err != nil {
		d.release(batchID, token, d.resumeAt(b, finished, attempts))
		return out, err
	}
	out.Remaining = counts.Open()
	if out.Remaining > 0 {
		out.Delay = d.delay(b.DelayMin, b.DelayMax)
	}

	if err := d.store.ReleaseTurn(work, batchID, token, finished.Add(out.Delay)); err != nil {
		return out, err
	}

	d.log.Info("item processed",
		zap.String("batch_id", batchID),
		zap.Int64("item_id", item.ID),
		zap.String("result", string(out.Result)),
		zap.Int("attempts", len(out.Attempts)),
		zap.Int("remaining", out.Remaining),
		zap.Duration("delay", out.Delay),
	)
	return out, nil
}

// waiting reports when the batch's turn frees up.
func (d *Driver) waiting(ctx context.Context, out Outcome) (Outcome, error) {
	b, err := d.store.GetBatch(ctx, out.BatchID)
	if err != nil {
		return out, err
	}
	out.Status = b.Status
	if !b.Status.Active() {
		out.Result = ResultInactive
		return out, nil
	}
	out.Result = ResultWaiting
	out.Delay = time.Second
	if b.NextRunAt != nil {
		if wait := b.NextRunAt.Sub(d.now()); wait > 0 {
			out.Delay = wait.Round(time.Second)
			if out.Delay < wait {
				out.Delay += time.Second
			}
		}
	}
	return out, nil
}

// complete is the only path that ends a batch.
func (d *Driver) complete(ctx context.Context, out Outcome, token string, now time.Time) (Outcome, error) {
	done, err := d.store.CompleteBatch(ctx, out.BatchID, now)
	if err != nil {
		d.release(out.BatchID, token, now)
		return out, err
	}
	if !done {
		// status changed under us (pause/cancel) or an item reappeared
		d.release(out.BatchID, token, now)
		b, err := d.store.GetBatch(ctx, out.BatchID)
		if err != nil {
			return out, err
		}
		out.Status = b.Status
		out.Result = ResultInactive
		if b.Status.Active() {
			out.Result = ResultWaiting
		}
		return out, nil
	}

	out.Status = model.BatchCompleted
	out.Result = ResultCompleted
	d.log.Info("batch completed", zap.String("batch_id", out.BatchID))
	return out, nil
}

// release frees the turn after a failed step so the next invocation can retry.
func (d *Driver) release(batchID, token string, at time.Time) {
	if err := d.store.ReleaseTurn(context.Background(), batchID, token, at); err != nil {
		d.log.Warn("release turn failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}

// resumeAt is when the next step may start after a failed one: at once when
// no gateway call was made, otherwise after a pacing delay.
func (d *Driver) resumeAt(b model.Batch, at time.Time, attempts []Attempt) time.Time {
	for _, a := range attempts {
		if a.OK || a.Error != errMediaUnavailable {
			return at.Add(d.delay(b.DelayMin, b.DelayMax))
		}
	}
	return at
}

// delay picks a uniformly random whole number of seconds in [lo, hi].
func (d *Driver) delay(lo, hi int) time.Duration {
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo+d.randIntn(hi-lo+1)) * time.Second
}

// deliver sends the item through the fallback chain: optimized payload,
// original image url, text only. It stops at the first success. The turn is
// renewed before every gateway call; errTurnLost means another invocation
// took it over and no further call was made.
func (d *Driver) deliver(ctx context.Context, b model.Batch, item model.QueueItem, token string) ([]Attempt, error) {
	text := Compose(b.Subject, item.RecipientName)
	var attempts []Attempt

	try := func(kind string, send func() gateway.Result) (bool, error) {
		if err := d.renew(ctx, b.ID, token); err != nil {
			return false, err
		}
		r := send()
		attempts = append(attempts, Attempt{Kind: kind, OK: r.OK, Error: r.Error})
		label := "ok"
		if !r.OK {
			label = "error"
		}
		metrics.SendAttemptsTotal.WithLabelValues(kind, label).Inc()
		return r.OK, nil
	}

	if b.HasImage() {
		if p := d.payload(ctx, b); p != nil {
			m := gateway.Media{Data: p.Data, MimeType: p.MimeType, FileName: p.FileName}
			sent, err := try(KindMediaPayload, func() gateway.Result {
				return d.gw.SendMedia(ctx, item.RecipientPhone, m, text)
			})
			if sent || err != nil {
				return attempts, err
			}
		} else {
			attempts = append(attempts, Attempt{Kind: KindMediaPayload, Error: errMediaUnavailable})
		}
		sent, err := try(KindMediaURL, func() gateway.Result {
			return d.gw.SendMedia(ctx, item.RecipientPhone, gateway.Media{URL: b.ImageURL}, text)
		})
		if sent || err != nil {
			return attempts, err
		}
	}
	_, err := try(KindText, func() gateway.Result {
		return d.gw.SendText(ctx, item.RecipientPhone, text)
	})
	return attempts, err
}

// renew extends the turn by a full lease ahead of a gateway call.
func (d *Driver) renew(ctx context.Context, batchID, token string) error {
	held, err := d.store.RenewTurn(ctx, batchID, token, d.now().Add(d.leaseTTL))
	if err != nil {
		return err
	}
	if !held {
		return errTurnLost
	}
	return nil
}

func (d *Driver) payload(ctx context.Context, b model.Batch) *media.Payload {
	if d.media == nil {
		return nil
	}
	return d.media.Payload(ctx, b.ID, b.ImageURL)
}

func (d *Driver) markSent(ctx context.Context, item *model.QueueItem, at time.Time) error {
	ok, err := d.store.MarkSent(ctx, *item, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !ok {
		d.log.Warn("terminal write skipped", zap.String("batch_id", item.BatchID), zap.Int64("item_id", item.ID))
		return nil
	}
	item.Status = model.ItemSent
	item.SentAt = &at
	item.UpdatedAt = at
	metrics.ItemsTotal.WithLabelValues(string(model.ItemSent)).Inc()
	return nil
}

func (d *Driver) markFailed(ctx context.Context, item *model.QueueItem, reason string, at time.Time) error {
	if reason == "" {
		reason = "send failed"
	}
	ok, err := d.store.MarkFailed(ctx, *item, reason, at)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		d.log.Warn("terminal write skipped", zap.String("batch_id", item.BatchID), zap.Int64("item_id", item.ID))
		return nil
	}
	item.Status = model.ItemFailed
	item.ErrorMessage = &reason
	item.UpdatedAt = at
	metrics.ItemsTotal.WithLabelValues(string(model.ItemFailed)).Inc()
	return nil
}

// IsStoreFault reports whether err came from the store rather than input.
func IsStoreFault(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable)
}
