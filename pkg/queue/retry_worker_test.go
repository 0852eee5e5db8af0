package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ST33ZEmachine/printshop/pkg/models"
	"github.com/ST33ZEmachine/printshop/pkg/store"
	"github.com/ST33ZEmachine/printshop/pkg/store/memory"
)

func enqueueReplaceOp(t *testing.T, st store.Store, updateID, eventID string, retryCount int) {
	t.Helper()
	payload, err := json.Marshal(models.ReplaceLineItemsPayload{
		EventID: eventID,
		CardID:  testCardID,
		Items:   []models.LineItem{{CardID: testCardID, LineIndex: 1, Quantity: 1}},
		Finalize: &models.FinalizeEventPayload{
			EventID: eventID, Success: true, ExtractionTriggered: true,
		},
	})
	require.NoError(t, err)

	now := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.EnqueuePending(context.Background(), &models.PendingUpdate{
		UpdateID:      updateID,
		Operation:     models.OpReplaceLineItems,
		TargetTable:   "line_items_current",
		EventID:       eventID,
		Payload:       payload,
		RetryCount:    retryCount,
		FirstQueuedAt: now,
		NextRetryAt:   now,
		Status:        models.PendingStatusPending,
		CreatedAt:     now,
	}))
}

func recordEvent(t *testing.T, st store.Store, eventID string) {
	t.Helper()
	require.NoError(t, st.InsertEvent(context.Background(), &models.Event{
		EventID:    eventID,
		ActionType: models.ActionUpdateCard,
		CardID:     testCardID,
		RawPayload: []byte(`{}`),
		CreatedAt:  time.Now().UTC().Add(-time.Minute),
	}))
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	w := NewRetryWorker(memory.New(), NewKeyedMutex(), time.Second, time.Minute, 10)

	d1 := w.backoffDelay(1)
	assert.GreaterOrEqual(t, d1, 2*time.Minute)
	assert.Less(t, d1, 3*time.Minute)

	d3 := w.backoffDelay(3)
	assert.GreaterOrEqual(t, d3, 8*time.Minute)
	assert.Less(t, d3, 9*time.Minute)

	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, w.backoffDelay(30), time.Hour)
	}
}

func TestRetryRequeuesDeferredOperation(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem, deferReplace: 1}
	recordEvent(t, mem, "E1")
	enqueueReplaceOp(t, mem, "U1", "E1", 0)

	w := NewRetryWorker(fs, NewKeyedMutex(), time.Second, time.Millisecond, 10)
	w.drain(context.Background())

	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.PendingStatusPending, entries[0].Status)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.True(t, entries[0].NextRetryAt.After(time.Now().UTC().Add(-time.Second)))

	ev, ok := mem.Event("E1")
	require.True(t, ok)
	assert.False(t, ev.Processed)
}

func TestRetryCompletesAndFinalizesEvent(t *testing.T) {
	mem := memory.New()
	recordEvent(t, mem, "E1")
	enqueueReplaceOp(t, mem, "U1", "E1", 2)

	w := NewRetryWorker(mem, NewKeyedMutex(), time.Second, time.Millisecond, 10)
	w.drain(context.Background())

	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.PendingStatusCompleted, entries[0].Status)
	require.Len(t, mem.LineItemsCurrent(testCardID), 1)

	ev, ok := mem.Event("E1")
	require.True(t, ok)
	assert.True(t, ev.Processed)
	assert.True(t, ev.ExtractionTriggered)
}

func TestRetryWaitsForSiblingOperations(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem, deferUpsert: 100}
	recordEvent(t, mem, "E1")
	enqueueReplaceOp(t, mem, "U1", "E1", 0)

	// A sibling upsert for the same event that keeps deferring.
	payload, err := json.Marshal(models.UpsertCardPayload{
		EventID: "E1",
		Card:    &models.CardCurrent{CardFields: models.CardFields{CardID: testCardID}},
		Finalize: &models.FinalizeEventPayload{
			EventID: "E1", Success: true, ExtractionTriggered: true,
		},
	})
	require.NoError(t, err)
	now := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, mem.EnqueuePending(context.Background(), &models.PendingUpdate{
		UpdateID: "U2", Operation: models.OpUpsertCard, TargetTable: "cards_current",
		EventID: "E1", Payload: payload,
		FirstQueuedAt: now, NextRetryAt: now,
		Status: models.PendingStatusPending, CreatedAt: now,
	}))

	w := NewRetryWorker(fs, NewKeyedMutex(), time.Second, time.Millisecond, 10)
	w.drain(context.Background())

	// The replace completed but the event stays unfinalized: its sibling is
	// still live.
	ev, ok := mem.Event("E1")
	require.True(t, ok)
	assert.False(t, ev.Processed)
}

func TestRetryExhaustionFailsEntryLeavesEventUnfinalized(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem, deferReplace: 100}
	recordEvent(t, mem, "E1")
	enqueueReplaceOp(t, mem, "U1", "E1", 9)

	w := NewRetryWorker(fs, NewKeyedMutex(), time.Second, time.Millisecond, 10)
	w.drain(context.Background())

	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.PendingStatusFailed, entries[0].Status)

	// The event is not finalized on exhaustion: the unprocessed row plus the
	// failed queue entry is what an operator looks for.
	ev, ok := mem.Event("E1")
	require.True(t, ok)
	assert.False(t, ev.Processed)
}

// brokenStore returns a permanent (non-deferred) error from line-item
// replacement.
type brokenStore struct {
	*memory.Store
	err error
}

func (s *brokenStore) ReplaceLineItemsCurrent(context.Context, string, []models.LineItem) error {
	return s.err
}

func TestRetryFailsFastOnPermanentError(t *testing.T) {
	mem := memory.New()
	bs := &brokenStore{Store: mem, err: errors.New("invalid query: unknown column")}
	recordEvent(t, mem, "E1")
	enqueueReplaceOp(t, mem, "U1", "E1", 0)

	w := NewRetryWorker(bs, NewKeyedMutex(), time.Second, time.Millisecond, 10)
	w.drain(context.Background())

	// No requeue: the entry fails on the first attempt with the cause recorded.
	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.PendingStatusFailed, entries[0].Status)
	assert.Equal(t, 0, entries[0].RetryCount)
	assert.Contains(t, entries[0].ErrorMessage, "unknown column")

	ev, ok := mem.Event("E1")
	require.True(t, ok)
	assert.False(t, ev.Processed)
}

func TestMalformedPendingEntryFailsOutright(t *testing.T) {
	mem := memory.New()
	now := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, mem.EnqueuePending(context.Background(), &models.PendingUpdate{
		UpdateID: "U1", Operation: models.OpUpsertCard,
		EventID: "E1", Payload: []byte("{not json"),
		FirstQueuedAt: now, NextRetryAt: now,
		Status: models.PendingStatusPending, CreatedAt: now,
	}))

	w := NewRetryWorker(mem, NewKeyedMutex(), time.Second, time.Millisecond, 10)
	w.drain(context.Background())

	entries := mem.PendingEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.PendingStatusFailed, entries[0].Status)
	assert.NotEmpty(t, entries[0].ErrorMessage)
}
