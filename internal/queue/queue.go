// Package queue provides the bounded FIFO between span producers and the
// exporter.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
)

// Queue accumulates converted spans until the exporter drains them. Push
// never blocks: when the queue is full the oldest span is dropped and
// counted, so a stalled backend degrades to data loss instead of stalling
// the producers.
type Queue struct {
	logger   *slog.Logger
	capacity int
	notifyAt int

	mu    sync.Mutex
	spans []model.ConvertedSpan

	droppedSpans atomic.Int64 // total spans dropped due to capacity

	notifyCh chan struct{}
}

// New creates a queue with the given capacity. notifyAt is the depth at which
// Push signals the exporter's notify channel (typically the batch size).
func New(capacity, notifyAt int, logger *slog.Logger) *Queue {
	return &Queue{
		logger:   logger,
		capacity: capacity,
		notifyAt: notifyAt,
		notifyCh: make(chan struct{}, 1),
	}
}

// Push appends a span, evicting the oldest entry when full.
func (q *Queue) Push(span model.ConvertedSpan) {
	q.mu.Lock()
	if len(q.spans) >= q.capacity {
		q.spans = q.spans[1:]
		q.droppedSpans.Add(1)
		q.logger.Warn("queue: dropping oldest span, queue at capacity",
			"capacity", q.capacity)
	}
	q.spans = append(q.spans, span)
	depth := len(q.spans)
	q.mu.Unlock()

	if depth >= q.notifyAt {
		select {
		case q.notifyCh <- struct{}{}:
		default:
		}
	}
}

// DrainUpTo removes and returns at most n spans in FIFO order.
func (q *Queue) DrainUpTo(n int) []model.ConvertedSpan {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.spans) == 0 {
		return nil
	}
	if n > len(q.spans) {
		n = len(q.spans)
	}
	batch := make([]model.ConvertedSpan, n)
	copy(batch, q.spans[:n])
	q.spans = q.spans[n:]
	return batch
}

// Notify returns the channel signaled when the queue reaches batch depth.
func (q *Queue) Notify() <-chan struct{} {
	return q.notifyCh
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.spans)
}

// Dropped returns the total spans dropped due to capacity exhaustion. A
// non-zero value indicates data loss.
func (q *Queue) Dropped() int64 {
	return q.droppedSpans.Load()
}

// RegisterMetrics registers observable gauges for queue health monitoring.
// Called after the meter provider has been initialized.
func (q *Queue) RegisterMetrics() {
	meter := telemetry.Meter("kakehashi/queue")

	_, _ = meter.Int64ObservableGauge("kakehashi.queue.depth",
		metric.WithDescription("Current number of spans waiting for export"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kakehashi.queue.dropped_total",
		metric.WithDescription("Total spans dropped due to queue capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.Dropped())
			return nil
		}),
	)
}
