package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/hierarchy"
	"github.com/ashita-ai/kakehashi/internal/model"
)

// ErrMalformedSpan marks spans missing a required identifier. Such spans are
// logged and dropped by the caller; they never fail the pipeline.
var ErrMalformedSpan = errors.New("convert: malformed span")

// Converter produces one ConvertedSpan per ended native span. Span starts
// only feed the hierarchy tracker; nothing is materialized for a span that
// never closes.
type Converter struct {
	tracker *hierarchy.Tracker
	logger  *slog.Logger
}

func NewConverter(tracker *hierarchy.Tracker, logger *slog.Logger) *Converter {
	return &Converter{tracker: tracker, logger: logger}
}

// OnStart registers the span with the hierarchy tracker.
func (c *Converter) OnStart(span model.NativeSpan) {
	if span.TraceID == "" || span.SpanID == "" {
		return
	}
	c.tracker.OnSpanStart(span.TraceID, span.SpanID, span.ParentSpanID,
		span.Name, asString(span.Attributes[attrCycleID]))
}

// Convert rewrites an ended native span into the target schema. Conversion is
// pure over the span's own data plus tracker state: no clocks, no generated
// ids, so converting the same span twice yields identical output.
func (c *Converter) Convert(span model.NativeSpan) (model.ConvertedSpan, error) {
	if span.TraceID == "" || span.SpanID == "" {
		return model.ConvertedSpan{}, fmt.Errorf("%w: trace_id=%q span_id=%q",
			ErrMalformedSpan, span.TraceID, span.SpanID)
	}

	res, evicted := c.tracker.OnSpanEnd(span.TraceID, span.SpanID)
	if evicted {
		c.logger.Debug("trace drained", "trace_id", span.TraceID)
	}

	kind := Classify(span.Name, span.Attributes)
	if kind == model.KindUnknown {
		kind = res.Kind()
	}

	bag := Map(span.Name, span.Attributes, kind)
	if res.Unresolved {
		bag[PassthroughPrefix+"hierarchy.unresolved"] = true
		c.logger.Warn("span has dangling parent link",
			"trace_id", span.TraceID, "span_id", span.SpanID,
			"parent_span_id", span.ParentSpanID)
	}
	setGraphNode(span, kind, res, bag)

	out := model.ConvertedSpan{
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		ParentSpanID: span.ParentSpanID,
		Name:         span.Name,
		Kind:         kind,
		StartTime:    span.StartTime,
		EndTime:      span.EndTime,
		Usage:        TokenUsage(span.Attributes),
		Attributes:   bag,
		Status:       span.Status,
	}

	switch kind {
	case model.KindTool:
		c.convertToolSpan(span, bag)
	default:
		input, output := ExtractMessages(span)
		input = SplitToolCalls(input)
		output = SplitToolCalls(output)
		FlattenMessages(input, "llm.input_messages", bag)
		FlattenMessages(output, "llm.output_messages", bag)
		setValueAttributes(kind, bag, input, output)
		out.InputMessages = input
		out.OutputMessages = output
	}

	return out, nil
}

// setGraphNode assigns the backend's graph node ids. Agents anchor the graph,
// cycles hang off the agent, and model/tool calls hang off their cycle when
// the parent is one, else off the agent.
func setGraphNode(span model.NativeSpan, kind model.SpanKind, res hierarchy.Resolution, bag map[string]any) {
	switch kind {
	case model.KindAgent:
		bag["graph.node.id"] = "strands_agent"
	case model.KindChain:
		cycleID := asString(span.Attributes[attrCycleID])
		if cycleID == "" {
			cycleID = span.SpanID
		}
		bag["graph.node.id"] = "cycle_" + cycleID
		bag["graph.node.parent_id"] = "strands_agent"
	case model.KindLLM:
		bag["graph.node.id"] = "llm_" + span.SpanID
		bag["graph.node.parent_id"] = parentNode(res)
	case model.KindTool:
		toolName := asString(span.Attributes[attrToolName])
		if toolName == "" {
			if strings.HasPrefix(span.Name, "execute_tool ") {
				toolName = strings.TrimPrefix(span.Name, "execute_tool ")
			} else {
				toolName = "unknown_tool"
			}
		}
		bag["graph.node.id"] = "tool_" + toolName + "_" + span.SpanID
		bag["graph.node.parent_id"] = parentNode(res)
	}
}

func parentNode(res hierarchy.Resolution) string {
	p := res.Parent
	if p != nil && p.CycleID != "" &&
		(p.Name == "execute_event_loop_cycle" || strings.HasPrefix(p.Name, "Cycle")) {
		return "cycle_" + p.CycleID
	}
	return "strands_agent"
}

// setValueAttributes composes the top-level input.value / output.value pair
// shown by the backend. A single plain user turn stays text; anything richer
// becomes a JSON envelope.
func setValueAttributes(kind model.SpanKind, bag map[string]any, input, output []model.Message) {
	modelName := asString(bag["llm.model_name"])
	if modelName == "" {
		modelName = "unknown"
	}

	if len(input) > 0 {
		if len(input) == 1 && input[0].Role == "user" {
			bag["input.value"] = input[0].Content
			bag["input.mime_type"] = "text/plain"
		} else {
			bag["input.value"] = compactJSON(map[string]any{
				"messages": input,
				"model":    modelName,
			})
			bag["input.mime_type"] = "application/json"
		}
	}

	if len(output) > 0 {
		last := output[len(output)-1]
		if kind == model.KindLLM {
			finish := last.FinishReason
			if finish == "" {
				finish = "stop"
			}
			bag["output.value"] = compactJSON(map[string]any{
				"choices": []map[string]any{{
					"finish_reason": finish,
					"index":         0,
					"message": map[string]any{
						"content": last.Content,
						"role":    last.Role,
					},
				}},
				"model": modelName,
				"usage": map[string]any{
					"prompt_tokens":     bag["llm.token_count.prompt"],
					"completion_tokens": bag["llm.token_count.completion"],
					"total_tokens":      bag["llm.token_count.total"],
				},
			})
			bag["output.mime_type"] = "application/json"
		} else {
			bag["output.value"] = last.Content
			bag["output.mime_type"] = "text/plain"
		}
	}
}

// convertToolSpan extracts the tool invocation's parameters and result from
// turn events and synthesizes the assistant message that requested the call.
func (c *Converter) convertToolSpan(span model.NativeSpan, bag map[string]any) {
	var params map[string]any
	var output string

	for _, ev := range span.Events {
		switch ev.Name {
		case eventToolMessage:
			content := asString(ev.Attributes["content"])
			if content == "" {
				continue
			}
			var decoded map[string]any
			if err := json.Unmarshal([]byte(content), &decoded); err == nil {
				params = decoded
			} else {
				params = map[string]any{"input": content}
			}
		case eventChoice:
			message := asString(ev.Attributes["message"])
			if message == "" {
				continue
			}
			var items []any
			if err := json.Unmarshal([]byte(message), &items); err == nil {
				var parts []string
				for _, raw := range items {
					if item, ok := raw.(map[string]any); ok {
						if text, ok := item["text"]; ok {
							parts = append(parts, asString(text))
						}
					}
				}
				if len(parts) > 0 {
					output = strings.Join(parts, " ")
				} else {
					output = message
				}
			} else {
				output = message
			}
		}
	}

	if params != nil {
		encoded := compactJSON(params)
		bag["tool.parameters"] = encoded

		toolName := asString(bag["tool.name"])
		callID := asString(bag["tool.call_id"])
		if toolName != "" && callID != "" {
			FlattenMessages([]model.Message{{
				Role: "assistant",
				ToolCalls: []model.ToolCall{{
					ID:        callID,
					Name:      toolName,
					Arguments: encoded,
				}},
			}}, "llm.input_messages", bag)
		}

		if text, ok := params["text"]; ok {
			bag["input.value"] = asString(text)
			bag["input.mime_type"] = "text/plain"
		} else {
			bag["input.value"] = encoded
			bag["input.mime_type"] = "application/json"
		}
	}

	if output != "" {
		bag["output.value"] = output
		bag["output.mime_type"] = "text/plain"
	}
}
