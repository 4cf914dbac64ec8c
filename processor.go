package kakehashi

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanProcessor mounts a Pipeline on an OTel SDK TracerProvider, so hosts
// instrumented with the SDK need no manual hook wiring:
//
//	tp := sdktrace.NewTracerProvider(
//	    sdktrace.WithSpanProcessor(kakehashi.NewSpanProcessor(p)),
//	)
type SpanProcessor struct {
	pipeline *Pipeline
}

var _ sdktrace.SpanProcessor = (*SpanProcessor)(nil)

func NewSpanProcessor(p *Pipeline) *SpanProcessor {
	return &SpanProcessor{pipeline: p}
}

// OnStart feeds the span into the hierarchy tracker.
func (sp *SpanProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	sp.pipeline.OnSpanStart(fromReadOnlySpan(s))
}

// OnEnd converts and enqueues the ended span.
func (sp *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	sp.pipeline.OnSpanEnd(fromReadOnlySpan(s))
}

// ForceFlush drains the queue to the collector.
func (sp *SpanProcessor) ForceFlush(ctx context.Context) error {
	return sp.pipeline.Flush(ctx)
}

// Shutdown shuts the whole pipeline down.
func (sp *SpanProcessor) Shutdown(ctx context.Context) error {
	return sp.pipeline.Shutdown(ctx)
}

func fromReadOnlySpan(s sdktrace.ReadOnlySpan) Span {
	sc := s.SpanContext()

	attrs := make(map[string]any, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}

	var events []SpanEvent
	for _, ev := range s.Events() {
		ea := make(map[string]any, len(ev.Attributes))
		for _, kv := range ev.Attributes {
			ea[string(kv.Key)] = kv.Value.AsInterface()
		}
		events = append(events, SpanEvent{Name: ev.Name, Attributes: ea})
	}

	span := Span{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       s.Name(),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		Attributes: attrs,
		Events:     events,
		Status:     fromSDKStatus(s.Status().Code, s.Status().Description),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		span.ParentSpanID = parent.SpanID().String()
	}
	return span
}

func fromSDKStatus(code codes.Code, description string) SpanStatus {
	switch code {
	case codes.Ok:
		return SpanStatus{Code: StatusOK}
	case codes.Error:
		return SpanStatus{Code: StatusError, Message: description}
	default:
		return SpanStatus{Code: StatusUnset}
	}
}
