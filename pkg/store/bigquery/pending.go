package bigquery

import (
	"context"
	"fmt"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/ST33ZEmachine/printshop/pkg/models"
	"google.golang.org/api/iterator"
)

// pendingRow mirrors the pending_updates schema.
type pendingRow struct {
	UpdateID    string `bigquery:"update_id"`
	Operation   string `bigquery:"operation_kind"`
	TargetTable string `bigquery:"target_table"`
	EventID     string `bigquery:"event_id"`
	Payload     string `bigquery:"payload"`

	RetryCount    int64      `bigquery:"retry_count"`
	FirstQueuedAt time.Time  `bigquery:"first_queued_at"`
	LastRetryAt   *time.Time `bigquery:"last_retry_at"`
	NextRetryAt   time.Time  `bigquery:"next_retry_at"`

	Status       string     `bigquery:"status"`
	ErrorMessage string     `bigquery:"error_message"`
	CompletedAt  *time.Time `bigquery:"completed_at"`
	CreatedAt    time.Time  `bigquery:"created_at"`
}

func (r *pendingRow) toModel() *models.PendingUpdate {
	return &models.PendingUpdate{
		UpdateID:      r.UpdateID,
		Operation:     models.OperationKind(r.Operation),
		TargetTable:   r.TargetTable,
		EventID:       r.EventID,
		Payload:       []byte(r.Payload),
		RetryCount:    int(r.RetryCount),
		FirstQueuedAt: r.FirstQueuedAt,
		LastRetryAt:   r.LastRetryAt,
		NextRetryAt:   r.NextRetryAt,
		Status:        models.PendingStatus(r.Status),
		ErrorMessage:  r.ErrorMessage,
		CompletedAt:   r.CompletedAt,
		CreatedAt:     r.CreatedAt,
	}
}

// EnqueuePending appends a retry-queue entry. Pure streaming insert, so the
// durable frontier survives even when every DML path is deferring.
func (s *Store) EnqueuePending(ctx context.Context, op *models.PendingUpdate) error {
	row := &pendingRow{
		UpdateID:      op.UpdateID,
		Operation:     string(op.Operation),
		TargetTable:   op.TargetTable,
		EventID:       op.EventID,
		Payload:       string(op.Payload),
		RetryCount:    int64(op.RetryCount),
		FirstQueuedAt: op.FirstQueuedAt.UTC().Truncate(time.Millisecond),
		LastRetryAt:   op.LastRetryAt,
		NextRetryAt:   op.NextRetryAt.UTC().Truncate(time.Millisecond),
		Status:        string(op.Status),
		ErrorMessage:  op.ErrorMessage,
		CompletedAt:   op.CompletedAt,
		CreatedAt:     op.CreatedAt.UTC().Truncate(time.Millisecond),
	}
	if err := s.inserter(tablePending).Put(ctx, row); err != nil {
		return fmt.Errorf("enqueue pending %s: %w", op.UpdateID, err)
	}
	return nil
}

// ClaimPending selects due pending entries oldest-first, then claims each
// with a conditional UPDATE (pending → processing keyed by update_id). The
// affected-row count decides the claim, so concurrent workers never hold the
// same entry.
func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*models.PendingUpdate, error) {
	sql := fmt.Sprintf(`
	SELECT * FROM %s
	WHERE status = 'pending' AND next_retry_at <= @now
	ORDER BY first_queued_at ASC
	LIMIT @row_limit`, s.tableRef(tablePending))

	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{
		{Name: "now", Value: now.UTC()},
		{Name: "row_limit", Value: int64(limit)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query due pending: %w", err)
	}

	var due []*pendingRow
	for {
		var row pendingRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read due pending: %w", err)
		}
		cp := row
		due = append(due, &cp)
	}

	claimSQL := fmt.Sprintf(`
	UPDATE %s
	SET status = 'processing', last_retry_at = @now
	WHERE update_id = @update_id AND status = 'pending'`, s.tableRef(tablePending))

	claimed := make([]*models.PendingUpdate, 0, len(due))
	for _, row := range due {
		affected, err := s.runDML(ctx, claimSQL, []bq.QueryParameter{
			{Name: "now", Value: now.UTC()},
			{Name: "update_id", Value: row.UpdateID},
		})
		if err != nil {
			// Claim rows are never fresh in the streaming buffer by the time
			// they are due; any failure here is reported, not deferred.
			return claimed, fmt.Errorf("claim pending %s: %w", row.UpdateID, err)
		}
		if affected != 1 {
			continue // lost the race to another worker
		}
		m := row.toModel()
		m.Status = models.PendingStatusProcessing
		t := now.UTC()
		m.LastRetryAt = &t
		claimed = append(claimed, m)
	}
	return claimed, nil
}

// CompletePending marks a claimed entry completed. The retry worker is the
// sole writer of this status.
func (s *Store) CompletePending(ctx context.Context, updateID string, completedAt time.Time) error {
	sql := fmt.Sprintf(`
	UPDATE %s
	SET status = 'completed', completed_at = @completed_at, error_message = NULL
	WHERE update_id = @update_id`, s.tableRef(tablePending))

	_, err := s.runDML(ctx, sql, []bq.QueryParameter{
		{Name: "completed_at", Value: completedAt.UTC()},
		{Name: "update_id", Value: updateID},
	})
	return classifyDML(fmt.Sprintf("complete pending %s", updateID), err)
}

// RequeuePending returns a claimed entry to pending for a later attempt.
func (s *Store) RequeuePending(ctx context.Context, updateID string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	sql := fmt.Sprintf(`
	UPDATE %s
	SET status = 'pending',
	    retry_count = @retry_count,
	    next_retry_at = @next_retry_at,
	    error_message = @error_message
	WHERE update_id = @update_id`, s.tableRef(tablePending))

	_, err := s.runDML(ctx, sql, []bq.QueryParameter{
		{Name: "retry_count", Value: int64(retryCount)},
		{Name: "next_retry_at", Value: nextRetryAt.UTC()},
		{Name: "error_message", Value: errMsg},
		{Name: "update_id", Value: updateID},
	})
	return classifyDML(fmt.Sprintf("requeue pending %s", updateID), err)
}

// FailPending marks a claimed entry terminally failed.
func (s *Store) FailPending(ctx context.Context, updateID string, errMsg string) error {
	sql := fmt.Sprintf(`
	UPDATE %s
	SET status = 'failed', error_message = @error_message
	WHERE update_id = @update_id`, s.tableRef(tablePending))

	_, err := s.runDML(ctx, sql, []bq.QueryParameter{
		{Name: "error_message", Value: errMsg},
		{Name: "update_id", Value: updateID},
	})
	return classifyDML(fmt.Sprintf("fail pending %s", updateID), err)
}

// PendingCountForEvent counts unresolved entries attached to an event.
func (s *Store) PendingCountForEvent(ctx context.Context, eventID string) (int, error) {
	sql := fmt.Sprintf(`
	SELECT COUNT(*) AS n FROM %s
	WHERE event_id = @event_id AND status IN ('pending', 'processing')`,
		s.tableRef(tablePending))

	q := s.client.Query(sql)
	q.Parameters = []bq.QueryParameter{{Name: "event_id", Value: eventID}}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("query pending count: %w", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return 0, fmt.Errorf("read pending count: %w", err)
	}
	return int(row.N), nil
}
