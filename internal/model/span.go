// Package model defines the span records flowing through the conversion pipeline.
package model

import (
	"time"
)

// SpanKind is the OpenInference span kind assigned during conversion.
type SpanKind string

const (
	KindAgent   SpanKind = "AGENT"
	KindChain   SpanKind = "CHAIN"
	KindLLM     SpanKind = "LLM"
	KindTool    SpanKind = "TOOL"
	KindUnknown SpanKind = "UNKNOWN"
)

// StatusCode is the span outcome as reported by the host runtime.
type StatusCode string

const (
	StatusOK    StatusCode = "ok"
	StatusError StatusCode = "error"
	StatusUnset StatusCode = "unset"
)

// SpanStatus carries the outcome code and an optional error message.
type SpanStatus struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// SpanEvent is a timestamped event attached to a native span. The Strands
// runtime records conversation turns (gen_ai.user.message, gen_ai.choice, ...)
// as events rather than attributes.
type SpanEvent struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NativeSpan is a span as emitted by the agent runtime. Immutable once ended;
// the pipeline never mutates it.
type NativeSpan struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"` // empty = root
	Name         string         `json:"name"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []SpanEvent    `json:"events,omitempty"`
	Status       SpanStatus     `json:"status"`
}

// ToolCall is one tool invocation requested by an assistant turn.
type ToolCall struct {
	ID        string `json:"tool_call.id"`
	Name      string `json:"tool_call.function.name"`
	Arguments string `json:"tool_call.function.arguments"`
}

// Message is one flattened conversation turn. A turn containing N tool calls
// expands into the text message followed by N single-call messages, so
// ToolCalls holds at most one entry after flattening.
type Message struct {
	Role         string     `json:"message.role"`
	Content      string     `json:"message.content"`
	ToolCallID   string     `json:"message.tool_call_id,omitempty"`
	FinishReason string     `json:"message.finish_reason,omitempty"`
	ToolCalls    []ToolCall `json:"message.tool_calls,omitempty"`
}

// TokenUsage holds prompt/completion/total token counters. Nil means the
// source reported nothing — absent is distinct from zero and is never
// serialized.
type TokenUsage struct {
	Prompt     *int64
	Completion *int64
	Total      *int64
}

// Empty reports whether no counter is present.
func (u TokenUsage) Empty() bool {
	return u.Prompt == nil && u.Completion == nil && u.Total == nil
}

// ConvertedSpan is the OpenInference-shaped output record. Attributes holds
// the full flattened attribute bag (including passthrough keys) exactly as it
// goes on the wire; the structured fields are a typed view over the same data.
type ConvertedSpan struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Kind         SpanKind
	StartTime    time.Time
	EndTime      time.Time

	InputMessages  []Message
	OutputMessages []Message
	Usage          TokenUsage

	Attributes map[string]any
	Status     SpanStatus
}
