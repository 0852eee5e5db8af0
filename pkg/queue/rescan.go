package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ST33ZEmachine/printshop/pkg/store"
)

// rescanBatchSize bounds how many abandoned events one scan re-drives.
const rescanBatchSize = 50

// Rescanner periodically re-drives events that were recorded but never
// finalized: crashes between intake and finalize, transient fetch failures,
// anything in-process that was lost. Events still blocked by live pending
// entries are excluded; the retry worker owns those.
type Rescanner struct {
	store     store.Store
	processor *Processor

	interval  time.Duration
	threshold time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRescanner wires a rescan loop. threshold is how old an unfinalized
// event must be before it is considered abandoned.
func NewRescanner(st store.Store, processor *Processor, interval, threshold time.Duration) *Rescanner {
	return &Rescanner{
		store:     st,
		processor: processor,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scan loop.
func (r *Rescanner) Start(ctx context.Context) {
	slog.Info("Starting rescan loop", "interval", r.interval, "threshold", r.threshold)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop signals the loop and waits for the in-flight scan to finish.
func (r *Rescanner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Rescan loop stopped")
}

func (r *Rescanner) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// scan re-drives one batch of abandoned events through the processor.
// Reprocessing is safe: every projection write is idempotent and the audit
// row already exists.
func (r *Rescanner) scan(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.threshold)
	events, err := r.store.UnfinalizedEvents(ctx, cutoff, rescanBatchSize)
	if err != nil {
		slog.Error("Rescan query failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	slog.Warn("Re-driving abandoned events", "count", len(events), "older_than", cutoff)
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}
		r.processor.Rerun(ctx, ev)
	}
}
