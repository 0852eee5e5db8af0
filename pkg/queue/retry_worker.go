package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
)

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = time.Hour

// claimBatchSize bounds how many due entries one tick drains.
const claimBatchSize = 20

// RetryWorker drains the pending-updates table: claim due entries, re-apply
// the captured operation, and finalize the owning event once its last entry
// completes. Exactly one retry worker should run per deployment.
type RetryWorker struct {
	store store.Store
	locks *KeyedMutex

	tick        time.Duration
	base        time.Duration
	maxAttempts int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetryWorker wires a retry worker. base is the first-retry delay; each
// subsequent attempt doubles it, jittered, up to an hour.
func NewRetryWorker(st store.Store, locks *KeyedMutex, tick, base time.Duration, maxAttempts int) *RetryWorker {
	return &RetryWorker{
		store:       st,
		locks:       locks,
		tick:        tick,
		base:        base,
		maxAttempts: maxAttempts,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the tick loop.
func (w *RetryWorker) Start(ctx context.Context) {
	slog.Info("Starting retry worker", "tick", w.tick, "base_delay", w.base, "max_attempts", w.maxAttempts)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Stop signals the loop and waits for the in-flight batch to finish.
func (w *RetryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("Retry worker stopped")
}

func (w *RetryWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and applies one batch of due entries.
func (w *RetryWorker) drain(ctx context.Context) {
	claimed, err := w.store.ClaimPending(ctx, claimBatchSize, time.Now().UTC())
	if err != nil {
		slog.Error("Failed to claim pending updates", "error", err)
	}
	for _, op := range claimed {
		w.apply(ctx, op)
	}
}

// pendingOp is a decoded retry-queue entry ready to run.
type pendingOp struct {
	cardID     string
	isFinalize bool
	finalize   *models.FinalizeEventPayload
	run        func(ctx context.Context) error
}

func (w *RetryWorker) parseOp(op *models.PendingUpdate) (*pendingOp, error) {
	switch op.Operation {
	case models.OpUpsertCard:
		var p models.UpsertCardPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode upsert_card payload: %w", err)
		}
		if p.Card == nil {
			return nil, errors.New("upsert_card payload has no card")
		}
		return &pendingOp{
			cardID:   p.Card.CardID,
			finalize: p.Finalize,
			run: func(ctx context.Context) error {
				return w.store.UpsertCardCurrent(ctx, p.Card)
			},
		}, nil

	case models.OpReplaceLineItems:
		var p models.ReplaceLineItemsPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode replace_line_items payload: %w", err)
		}
		return &pendingOp{
			cardID:   p.CardID,
			finalize: p.Finalize,
			run: func(ctx context.Context) error {
				return w.store.ReplaceLineItemsCurrent(ctx, p.CardID, p.Items)
			},
		}, nil

	case models.OpFinalizeEvent:
		var p models.FinalizeEventPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode finalize_event payload: %w", err)
		}
		return &pendingOp{
			isFinalize: true,
			run: func(ctx context.Context) error {
				return w.store.FinalizeEvent(ctx, p.EventID, store.FinalizeStatus{
					Success:             p.Success,
					ExtractionTriggered: p.ExtractionTriggered,
					ErrorMessage:        p.ErrorMessage,
				})
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Operation)
	}
}

// apply runs one claimed entry to a terminal or requeued state.
func (w *RetryWorker) apply(ctx context.Context, op *models.PendingUpdate) {
	log := slog.With("update_id", op.UpdateID, "operation", string(op.Operation),
		"event_id", op.EventID, "retry_count", op.RetryCount)

	po, err := w.parseOp(op)
	if err != nil {
		// Malformed entries never heal; fail them outright.
		log.Error("Pending update unusable", "error", err)
		if ferr := w.store.FailPending(ctx, op.UpdateID, err.Error()); ferr != nil {
			log.Error("Failed to mark pending update failed", "error", ferr)
		}
		return
	}

	if po.cardID != "" {
		w.locks.Lock(po.cardID)
		defer w.locks.Unlock(po.cardID)
	}

	if err := po.run(ctx); err != nil {
		if errors.Is(err, store.ErrDeferred) {
			w.retryOrFail(ctx, log, op, err)
			return
		}
		// Anything other than a streaming-buffer rejection will not heal on
		// its own; fail the entry immediately.
		log.Error("Pending update failed permanently", "error", err)
		if ferr := w.store.FailPending(ctx, op.UpdateID, err.Error()); ferr != nil {
			log.Error("Failed to mark pending update failed", "error", ferr)
		}
		return
	}

	if err := w.store.CompletePending(ctx, op.UpdateID, time.Now().UTC()); err != nil {
		// The operation landed; a stuck "processing" entry is harmless
		// because every captured operation is idempotent.
		log.Error("Failed to mark pending update completed", "error", err)
	}
	log.Info("Pending update completed")

	if !po.isFinalize {
		w.maybeFinalize(ctx, log, op.EventID, po.finalize)
	}
}

// retryOrFail reschedules an attempt or gives up after the ceiling.
func (w *RetryWorker) retryOrFail(ctx context.Context, log *slog.Logger, op *models.PendingUpdate, cause error) {
	attempts := op.RetryCount + 1
	if attempts >= w.maxAttempts {
		// The event stays unfinalized on purpose: processed=false plus a
		// failed queue entry is the operator's signal to intervene.
		log.Error("Pending update exhausted retries, operator intervention required",
			"attempts", attempts, "event_id", op.EventID, "error", cause)
		if err := w.store.FailPending(ctx, op.UpdateID, cause.Error()); err != nil {
			log.Error("Failed to mark pending update failed", "error", err)
		}
		return
	}

	next := time.Now().UTC().Add(w.backoffDelay(attempts))
	log.Warn("Pending update deferred again, rescheduling",
		"attempt", attempts, "next_retry_at", next, "error", cause)
	if err := w.store.RequeuePending(ctx, op.UpdateID, attempts, next, cause.Error()); err != nil {
		log.Error("Failed to requeue pending update", "error", err)
	}
}

// maybeFinalize writes the event's terminal status once no live pending
// entries remain for it.
func (w *RetryWorker) maybeFinalize(ctx context.Context, log *slog.Logger, eventID string, finalize *models.FinalizeEventPayload) {
	if eventID == "" || finalize == nil {
		return
	}
	remaining, err := w.store.PendingCountForEvent(ctx, eventID)
	if err != nil {
		log.Error("Failed to count pending updates for event", "error", err)
		return
	}
	if remaining > 0 {
		log.Debug("Event still blocked by pending updates", "remaining", remaining)
		return
	}

	err = w.store.FinalizeEvent(ctx, eventID, store.FinalizeStatus{
		Success:             finalize.Success,
		ExtractionTriggered: finalize.ExtractionTriggered,
		ErrorMessage:        finalize.ErrorMessage,
	})
	if err == nil {
		log.Info("Event finalized after deferred writes")
		return
	}
	if errors.Is(err, store.ErrDeferred) {
		w.enqueueFinalize(ctx, log, finalize)
		return
	}
	log.Error("Failed to finalize event after deferred writes", "error", err)
}

func (w *RetryWorker) enqueueFinalize(ctx context.Context, log *slog.Logger, finalize *models.FinalizeEventPayload) {
	body, err := json.Marshal(finalize)
	if err != nil {
		log.Error("Failed to encode finalize payload", "error", err)
		return
	}
	now := time.Now().UTC()
	op := &models.PendingUpdate{
		UpdateID:      uuid.NewString(),
		Operation:     models.OpFinalizeEvent,
		TargetTable:   "webhook_events",
		EventID:       finalize.EventID,
		Payload:       body,
		FirstQueuedAt: now,
		NextRetryAt:   now.Add(w.base),
		Status:        models.PendingStatusPending,
		CreatedAt:     now,
	}
	if err := w.store.EnqueuePending(ctx, op); err != nil {
		log.Error("Failed to enqueue finalize retry", "error", err)
		return
	}
	log.Info("Finalize queued for retry", "update_id", op.UpdateID)
}

// backoffDelay is base doubled per attempt with up to one base of jitter,
// capped at an hour.
func (w *RetryWorker) backoffDelay(attempts int) time.Duration {
	delay := w.base
	for i := 0; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	delay += time.Duration(rand.Int64N(int64(w.base)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
