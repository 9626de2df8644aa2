package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/ir"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, s := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(ir.Event{Session: s}))
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.Session)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(ir.Event{Session: "late"})
	}()

	select {
	case <-q.Wait():
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, "late", e.Session)
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(ir.Event{Session: "queued"})
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(ir.Event{Session: "after-close"}), "enqueue after close should return false")

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("closed queue should wake waiters")
	}

	e, ok := q.TryDequeue()
	require.True(t, ok, "queued events survive close")
	assert.Equal(t, "queued", e.Session)
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(ir.Event{})
	q.Enqueue(ir.Event{})
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const producers = 10
	const eventsPerProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < eventsPerProducer; i++ {
				q.Enqueue(ir.Event{Session: fmt.Sprintf("%d-%d", id, i)})
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[e.Session] = true
	}
	assert.Len(t, seen, producers*eventsPerProducer)
}
