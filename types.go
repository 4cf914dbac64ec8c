package kakehashi

import (
	"time"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// Status codes accepted on Span.Status.Code.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusUnset = "unset"
)

// SpanStatus is the outcome reported by the host runtime.
type SpanStatus struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SpanEvent is a named event attached to a span, carrying conversation turns
// in the runtime's native encoding.
type SpanEvent struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a native span as handed to the pipeline by the host runtime.
// TraceID and SpanID are hex strings; ParentSpanID is empty for roots.
type Span struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []SpanEvent    `json:"events,omitempty"`
	Status       SpanStatus     `json:"status"`
}

// Stats is a point-in-time snapshot of pipeline counters. Dropped spans are
// data loss; a healthy pipeline keeps both drop counters at zero.
type Stats struct {
	Converted      int64 // spans successfully converted and enqueued
	Malformed      int64 // spans rejected for missing identifiers
	Exported       int64 // spans acknowledged by the collector
	ExportFailures int64 // send attempts that returned an error
	DroppedQueue   int64 // spans evicted by queue overflow
	DroppedExport  int64 // spans dropped after retry exhaustion
}

// toNativeSpan crosses the public/internal boundary. This file is the only
// place that sees both sides.
func toNativeSpan(s Span) model.NativeSpan {
	events := make([]model.SpanEvent, len(s.Events))
	for i, ev := range s.Events {
		events[i] = model.SpanEvent{Name: ev.Name, Attributes: ev.Attributes}
	}
	return model.NativeSpan{
		TraceID:      s.TraceID,
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		Name:         s.Name,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Attributes:   s.Attributes,
		Events:       events,
		Status: model.SpanStatus{
			Code:    model.StatusCode(s.Status.Code),
			Message: s.Status.Message,
		},
	}
}
