package queue_test

import (
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/queue"
)

func newQueue(t *testing.T, capacity, notifyAt int) *queue.Queue {
	t.Helper()
	return queue.New(capacity, notifyAt, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func span(id string) model.ConvertedSpan {
	return model.ConvertedSpan{TraceID: "t1", SpanID: id}
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue(t, 10, 10)
	q.Push(span("a"))
	q.Push(span("b"))
	q.Push(span("c"))

	batch := q.DrainUpTo(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].SpanID)
	assert.Equal(t, "b", batch[1].SpanID)

	batch = q.DrainUpTo(10)
	require.Len(t, batch, 1)
	assert.Equal(t, "c", batch[0].SpanID)

	assert.Nil(t, q.DrainUpTo(10))
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	q := newQueue(t, 3, 100)
	for i := 0; i < 5; i++ {
		q.Push(span(strconv.Itoa(i)))
	}

	assert.Equal(t, int64(2), q.Dropped())
	assert.Equal(t, 3, q.Len())

	batch := q.DrainUpTo(3)
	require.Len(t, batch, 3)
	// The two oldest were evicted; the newest three survive in order.
	assert.Equal(t, "2", batch[0].SpanID)
	assert.Equal(t, "3", batch[1].SpanID)
	assert.Equal(t, "4", batch[2].SpanID)
}

func TestQueue_NotifyAtBatchDepth(t *testing.T) {
	q := newQueue(t, 10, 2)

	q.Push(span("a"))
	select {
	case <-q.Notify():
		t.Fatal("notified below batch depth")
	default:
	}

	q.Push(span("b"))
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected notification at batch depth")
	}
}

func TestQueue_NotifyDoesNotBlockProducers(t *testing.T) {
	q := newQueue(t, 100, 1)
	// Nobody reads the notify channel; pushes must still complete.
	for i := 0; i < 50; i++ {
		q.Push(span(strconv.Itoa(i)))
	}
	assert.Equal(t, 50, q.Len())
	assert.Equal(t, int64(0), q.Dropped())
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := newQueue(t, 1000, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(span(strconv.Itoa(g*100 + i)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
	assert.Equal(t, int64(0), q.Dropped())
}
