package export_test

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	tracecollectorv1 "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/ashita-ai/kakehashi/internal/export"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/queue"
)

// fakeCollector implements TraceServiceClient in-process, failing the first
// failFirst calls.
type fakeCollector struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	requests  []*tracecollectorv1.ExportTraceServiceRequest
	headers   []metadata.MD
}

func (f *fakeCollector) Export(ctx context.Context, req *tracecollectorv1.ExportTraceServiceRequest, _ ...grpc.CallOption) (*tracecollectorv1.ExportTraceServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("collector unavailable")
	}
	f.requests = append(f.requests, req)
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		f.headers = append(f.headers, md)
	}
	return &tracecollectorv1.ExportTraceServiceResponse{}, nil
}

func (f *fakeCollector) snapshot() (int, []*tracecollectorv1.ExportTraceServiceRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.requests
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() export.Config {
	return export.Config{
		ProjectName:    "test-project",
		SpaceID:        "space-1",
		APIKey:         "key-1",
		BatchSize:      16,
		FlushInterval:  time.Hour, // flush driven explicitly in tests
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}
}

func pushSpans(q *queue.Queue, ids ...string) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for _, id := range ids {
		q.Push(model.ConvertedSpan{
			TraceID:   "0af7651916cd43dd8448eb211c80319c",
			SpanID:    id,
			Name:      "chat",
			Kind:      model.KindLLM,
			StartTime: now,
			EndTime:   now.Add(time.Second),
			Attributes: map[string]any{
				"openinference.span.kind": "LLM",
				"llm.token_count.total":   int64(15),
			},
			Status: model.SpanStatus{Code: model.StatusOK},
		})
	}
}

func TestExporter_DeliversBatch(t *testing.T) {
	fake := &fakeCollector{}
	q := queue.New(100, 16, discard())
	e := export.New(fake, q, testConfig(), discard())

	pushSpans(q, "b7ad6b7169203331", "b7ad6b7169203332")
	e.Flush(context.Background())

	assert.Equal(t, int64(2), e.Exported())
	assert.Equal(t, int64(0), e.FailedAttempts())
	assert.Equal(t, int64(0), e.Dropped())

	calls, requests := fake.snapshot()
	assert.Equal(t, 1, calls)
	require.Len(t, requests, 1)

	rs := requests[0].ResourceSpans
	require.Len(t, rs, 1)
	spans := rs[0].ScopeSpans[0].Spans
	require.Len(t, spans, 2)

	wantTrace, _ := hex.DecodeString("0af7651916cd43dd8448eb211c80319c")
	assert.Equal(t, wantTrace, spans[0].TraceId)
	wantSpan, _ := hex.DecodeString("b7ad6b7169203331")
	assert.Equal(t, wantSpan, spans[0].SpanId)

	// Resource carries the project identity.
	var serviceName string
	for _, kv := range rs[0].Resource.Attributes {
		if kv.Key == "service.name" {
			serviceName = kv.Value.GetStringValue()
		}
	}
	assert.Equal(t, "test-project", serviceName)
}

func TestExporter_SendsCredentialHeaders(t *testing.T) {
	fake := &fakeCollector{}
	q := queue.New(100, 16, discard())
	e := export.New(fake, q, testConfig(), discard())

	pushSpans(q, "b7ad6b7169203331")
	e.Flush(context.Background())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.headers, 1)
	assert.Equal(t, []string{"space-1"}, fake.headers[0].Get("space_id"))
	assert.Equal(t, []string{"key-1"}, fake.headers[0].Get("api_key"))
}

func TestExporter_RetriesThenSucceeds(t *testing.T) {
	fake := &fakeCollector{failFirst: 2}
	q := queue.New(100, 16, discard())
	e := export.New(fake, q, testConfig(), discard())

	pushSpans(q, "b7ad6b7169203331")
	e.Flush(context.Background())

	assert.Equal(t, int64(1), e.Exported())
	assert.Equal(t, int64(2), e.FailedAttempts(), "each failed attempt is counted")
	assert.Equal(t, int64(0), e.Dropped())
	calls, _ := fake.snapshot()
	assert.Equal(t, 3, calls)
}

func TestExporter_DropsBatchAfterRetryExhaustion(t *testing.T) {
	fake := &fakeCollector{failFirst: 1000}
	q := queue.New(100, 16, discard())
	e := export.New(fake, q, testConfig(), discard())

	pushSpans(q, "b7ad6b7169203331", "b7ad6b7169203332", "b7ad6b7169203333")
	e.Flush(context.Background())

	assert.Equal(t, int64(0), e.Exported())
	assert.Equal(t, int64(3), e.FailedAttempts())
	assert.Equal(t, int64(3), e.Dropped(), "the whole batch is dropped and counted")
	assert.Equal(t, 0, q.Len(), "dropped spans are not requeued")
}

func TestExporter_SplitsOversizeBacklogIntoBatches(t *testing.T) {
	fake := &fakeCollector{}
	q := queue.New(100, 2, discard())
	cfg := testConfig()
	cfg.BatchSize = 2
	e := export.New(fake, q, cfg, discard())

	pushSpans(q, "b7ad6b7169203331", "b7ad6b7169203332", "b7ad6b7169203333")
	e.Flush(context.Background())

	assert.Equal(t, int64(3), e.Exported())
	calls, _ := fake.snapshot()
	assert.Equal(t, 2, calls, "backlog larger than one batch takes multiple sends")
}

// The background loop flushes on the queue's size trigger without waiting for
// the ticker, and Drain performs the final flush for the remainder.
func TestExporter_LoopAndDrain(t *testing.T) {
	fake := &fakeCollector{}
	cfg := testConfig()
	cfg.BatchSize = 2
	q := queue.New(100, cfg.BatchSize, discard())
	e := export.New(fake, q, cfg, discard())

	e.Start(context.Background())
	pushSpans(q, "b7ad6b7169203331", "b7ad6b7169203332")

	require.Eventually(t, func() bool {
		return e.Exported() == 2
	}, 3*time.Second, 10*time.Millisecond)

	pushSpans(q, "b7ad6b7169203333")
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Drain(drainCtx)

	assert.Equal(t, int64(3), e.Exported(), "Drain flushes the remainder")
}
