package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

type countingProcessor struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
	want int
}

func (c *countingProcessor) Process(_ context.Context, n *models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n.EventID)
	if len(c.seen) == c.want {
		close(c.done)
	}
}

func TestDispatcherProcessesSubmissions(t *testing.T) {
	proc := &countingProcessor{done: make(chan struct{}), want: 5}
	d := NewDispatcher(proc, 3, 16)
	d.Start(context.Background())
	defer d.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, d.Submit(&models.Notification{EventID: string(rune('A' + i))}))
	}

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications were not processed in time")
	}
	assert.Len(t, proc.seen, 5)
}

func TestDispatcherSubmitRejectsWhenFull(t *testing.T) {
	// No workers started: the buffer fills and Submit must not block.
	d := NewDispatcher(&countingProcessor{done: make(chan struct{})}, 1, 2)

	assert.True(t, d.Submit(&models.Notification{EventID: "1"}))
	assert.True(t, d.Submit(&models.Notification{EventID: "2"}))
	assert.False(t, d.Submit(&models.Notification{EventID: "3"}))
}
