// Package export delivers converted span batches to the remote collector
// over OTLP/gRPC with bounded retry.
package export

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	tracecollectorv1 "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/queue"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
)

// Config carries the exporter's delivery parameters.
type Config struct {
	ProjectName    string
	SpaceID        string
	APIKey         string
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Exporter drains the queue on a size trigger or a flush ticker and ships
// batches to the collector. It runs on its own goroutine so a slow backend
// never touches the producers.
type Exporter struct {
	client tracecollectorv1.TraceServiceClient
	queue  *queue.Queue
	logger *slog.Logger
	cfg    Config

	batchSeq       atomic.Int64 // diagnostic id for correlating retry logs
	exportedSpans  atomic.Int64 // spans acknowledged by the collector
	failedAttempts atomic.Int64 // send attempts that returned an error
	droppedSpans   atomic.Int64 // spans dropped after retries were exhausted

	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates an exporter over an established client. The client is injected
// so tests can substitute a fake collector.
func New(client tracecollectorv1.TraceServiceClient, q *queue.Queue, cfg Config, logger *slog.Logger) *Exporter {
	return &Exporter{
		client: client,
		queue:  q,
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Start begins the background export loop and registers metrics. Call Drain
// to stop.
func (e *Exporter) Start(ctx context.Context) {
	e.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancelLoop = cancel
	go e.exportLoop(loopCtx)
}

func (e *Exporter) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain();
			// ctx itself is already done.
			if e.drainCtx != nil {
				e.flush(e.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				e.flush(fallbackCtx)
				cancel()
			}
			close(e.done)
			return
		case <-ticker.C:
			e.flush(ctx)
		case <-e.queue.Notify():
			e.flush(ctx)
		}
	}
}

// Flush synchronously drains the queue on the caller's goroutine. Safe to
// call while the export loop runs; the queue hands each span out once.
func (e *Exporter) Flush(ctx context.Context) {
	e.flush(ctx)
}

// flush drains and sends full batches until the queue is empty or the
// context expires.
func (e *Exporter) flush(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := e.queue.DrainUpTo(e.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		e.sendWithRetry(ctx, batch)
	}
}

// sendWithRetry attempts delivery up to MaxRetries times with jittered
// exponential backoff, then drops the batch and counts it. Backoff sleeps
// happen on the export goroutine only.
func (e *Exporter) sendWithRetry(ctx context.Context, batch []model.ConvertedSpan) {
	req := encodeBatch(e.cfg.ProjectName, batch)
	seq := e.batchSeq.Add(1)

	delay := e.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		start := time.Now()
		err = e.send(ctx, req)
		if err == nil {
			e.exportedSpans.Add(int64(len(batch)))
			e.logger.Info("export: batch delivered",
				"batch_seq", seq,
				"batch_size", len(batch),
				"wire_bytes", proto.Size(req),
				"send_duration_ms", time.Since(start).Milliseconds(),
			)
			return
		}
		e.failedAttempts.Add(1)
		e.logger.Error("export: send failed",
			"error", err, "batch_seq", seq, "attempt", attempt, "batch_size", len(batch))

		if attempt == e.cfg.MaxRetries {
			break
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			e.droppedSpans.Add(int64(len(batch)))
			return
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}

	e.droppedSpans.Add(int64(len(batch)))
	e.logger.Error("export: dropping batch, retries exhausted",
		"batch_seq", seq, "dropped", len(batch), "error", err)
}

func (e *Exporter) send(ctx context.Context, req *tracecollectorv1.ExportTraceServiceRequest) error {
	if e.cfg.SpaceID != "" || e.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx,
			"space_id", e.cfg.SpaceID,
			"api_key", e.cfg.APIKey,
		)
	}
	_, err := e.client.Export(ctx, req)
	return err
}

// Drain signals the export loop to stop, waits for its final flush, and
// returns. The ctx controls the maximum wait and bounds the final flush.
func (e *Exporter) Drain(ctx context.Context) {
	e.drainCtx = ctx
	if e.cancelLoop != nil {
		e.cancelLoop()
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		e.logger.Warn("export: drain timed out waiting for export loop")
	}
}

// Exported returns the total spans acknowledged by the collector.
func (e *Exporter) Exported() int64 { return e.exportedSpans.Load() }

// FailedAttempts returns the total send attempts that errored.
func (e *Exporter) FailedAttempts() int64 { return e.failedAttempts.Load() }

// Dropped returns the total spans dropped after retry exhaustion.
func (e *Exporter) Dropped() int64 { return e.droppedSpans.Load() }

func (e *Exporter) registerMetrics() {
	meter := telemetry.Meter("kakehashi/export")

	_, _ = meter.Int64ObservableGauge("kakehashi.export.delivered_total",
		metric.WithDescription("Total spans acknowledged by the collector"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.Exported())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kakehashi.export.failed_attempts_total",
		metric.WithDescription("Total send attempts that returned an error"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.FailedAttempts())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kakehashi.export.dropped_total",
		metric.WithDescription("Total spans dropped after retry exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.Dropped())
			return nil
		}),
	)
}
