// Package queue moves acknowledged notifications through the processing
// pipeline: a bounded intake channel feeding a worker pool, per-card
// serialization, a durable retry queue for deferred store writes, and a
// rescan loop that re-drives abandoned events.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

// NotificationProcessor handles one notification end to end.
type NotificationProcessor interface {
	Process(ctx context.Context, n *models.Notification)
}

// Dispatcher owns the intake channel and the worker pool draining it.
// Everything here is in-process and lost on crash; durability comes from the
// source platform's retries plus the pending-updates table.
type Dispatcher struct {
	intake    chan *models.Notification
	processor NotificationProcessor
	workers   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewDispatcher creates a dispatcher with the given pool size and intake
// buffer capacity.
func NewDispatcher(processor NotificationProcessor, workers, buffer int) *Dispatcher {
	return &Dispatcher{
		intake:    make(chan *models.Notification, buffer),
		processor: processor,
		workers:   workers,
		stopCh:    make(chan struct{}),
	}
}

// Submit hands a notification to the pool without blocking. Returns false
// when the intake buffer is full; the caller still acknowledges, the source
// platform retries, and idempotency absorbs the replay.
func (d *Dispatcher) Submit(n *models.Notification) bool {
	select {
	case d.intake <- n:
		return true
	default:
		return false
	}
}

// Start spawns the worker goroutines. Safe to call once; duplicate calls are
// no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.started {
		slog.Warn("Dispatcher already started, ignoring duplicate Start call")
		return
	}
	d.started = true

	slog.Info("Starting dispatcher", "workers", d.workers, "buffer", cap(d.intake))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.run(ctx, id)
		}(i)
	}
}

// Stop signals the workers and waits for in-flight notifications to finish.
// Notifications still buffered in the channel are abandoned; the rescan loop
// or a source retry picks them up.
func (d *Dispatcher) Stop() {
	slog.Info("Stopping dispatcher")
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	slog.Info("Dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case n := <-d.intake:
			d.processor.Process(ctx, n)
		}
	}
}
