package convert_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/convert"
	"github.com/ashita-ai/kakehashi/internal/hierarchy"
	"github.com/ashita-ai/kakehashi/internal/model"
)

func newTestConverter(t *testing.T) *convert.Converter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := hierarchy.New(128, time.Minute, logger)
	t.Cleanup(tracker.Close)
	return convert.NewConverter(tracker, logger)
}

// A realistic single-cycle agent run: agent > cycle > {model call, tool call}.
func agentRunSpans() []model.NativeSpan {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	return []model.NativeSpan{
		{
			TraceID: "trace-1", SpanID: "agent-1", Name: "invoke_agent helper",
			StartTime: start, EndTime: start.Add(4 * time.Second),
			Attributes: map[string]any{"gen_ai.agent.name": "helper"},
			Status:     model.SpanStatus{Code: model.StatusOK},
		},
		{
			TraceID: "trace-1", SpanID: "cycle-1", ParentSpanID: "agent-1",
			Name:      "execute_event_loop_cycle",
			StartTime: start.Add(100 * time.Millisecond), EndTime: start.Add(3 * time.Second),
			Attributes: map[string]any{"event_loop.cycle_id": "c-abc"},
			Status:     model.SpanStatus{Code: model.StatusOK},
		},
		{
			TraceID: "trace-1", SpanID: "llm-1", ParentSpanID: "cycle-1",
			Name:      "chat",
			StartTime: start.Add(200 * time.Millisecond), EndTime: start.Add(2 * time.Second),
			Attributes: map[string]any{
				"gen_ai.request.model":           "claude-3",
				"gen_ai.usage.prompt_tokens":     int64(10),
				"gen_ai.usage.completion_tokens": int64(5),
			},
			Events: []model.SpanEvent{
				{Name: "gen_ai.user.message", Attributes: map[string]any{
					"content": `[{"text":"what is 2+2?"}]`,
				}},
				{Name: "gen_ai.choice", Attributes: map[string]any{
					"message":       `[{"text":"4"}]`,
					"finish_reason": "end_turn",
				}},
			},
			Status: model.SpanStatus{Code: model.StatusOK},
		},
		{
			TraceID: "trace-1", SpanID: "tool-1", ParentSpanID: "cycle-1",
			Name:      "execute_tool calculator",
			StartTime: start.Add(2100 * time.Millisecond), EndTime: start.Add(2900 * time.Millisecond),
			Attributes: map[string]any{
				"gen_ai.tool.name":    "calculator",
				"gen_ai.tool.call.id": "call-1",
			},
			Events: []model.SpanEvent{
				{Name: "gen_ai.tool.message", Attributes: map[string]any{
					"content": `{"a":2,"b":2}`,
				}},
				{Name: "gen_ai.choice", Attributes: map[string]any{
					"message": `[{"text":"4"}]`,
				}},
			},
			Status: model.SpanStatus{Code: model.StatusOK},
		},
	}
}

func TestConverter_AgentRunTree(t *testing.T) {
	c := newTestConverter(t)
	spans := agentRunSpans()
	for _, s := range spans {
		c.OnStart(s)
	}

	// End in reverse start order, as real traces do.
	byID := make(map[string]model.ConvertedSpan)
	for i := len(spans) - 1; i >= 0; i-- {
		out, err := c.Convert(spans[i])
		require.NoError(t, err)
		byID[out.SpanID] = out
	}

	agent := byID["agent-1"]
	assert.Equal(t, model.KindAgent, agent.Kind)
	assert.Equal(t, "strands_agent", agent.Attributes["graph.node.id"])

	cycle := byID["cycle-1"]
	assert.Equal(t, model.KindChain, cycle.Kind)
	assert.Equal(t, "cycle_c-abc", cycle.Attributes["graph.node.id"])
	assert.Equal(t, "strands_agent", cycle.Attributes["graph.node.parent_id"])

	llm := byID["llm-1"]
	assert.Equal(t, model.KindLLM, llm.Kind)
	assert.Equal(t, "llm_llm-1", llm.Attributes["graph.node.id"])
	assert.Equal(t, "cycle_c-abc", llm.Attributes["graph.node.parent_id"])
	require.NotNil(t, llm.Usage.Total)
	assert.Equal(t, int64(15), *llm.Usage.Total)
	assert.Equal(t, "what is 2+2?", llm.Attributes["llm.input_messages.0.message.content"])
	assert.Equal(t, "4", llm.Attributes["llm.output_messages.0.message.content"])
	assert.Equal(t, "what is 2+2?", llm.Attributes["input.value"])
	assert.Equal(t, "text/plain", llm.Attributes["input.mime_type"])
	assert.Equal(t, "application/json", llm.Attributes["output.mime_type"])

	tool := byID["tool-1"]
	assert.Equal(t, model.KindTool, tool.Kind)
	assert.Equal(t, "tool_calculator_tool-1", tool.Attributes["graph.node.id"])
	assert.Equal(t, "cycle_c-abc", tool.Attributes["graph.node.parent_id"])
	assert.JSONEq(t, `{"a":2,"b":2}`, tool.Attributes["tool.parameters"].(string))
	assert.Equal(t, "4", tool.Attributes["output.value"])
	assert.True(t, tool.Usage.Empty())
	// Synthetic assistant message carrying the call request.
	assert.Equal(t, "calculator", tool.Attributes["llm.input_messages.0.message.tool_calls.0.tool_call.function.name"])
}

func TestConverter_RejectsMissingIdentifiers(t *testing.T) {
	c := newTestConverter(t)

	_, err := c.Convert(model.NativeSpan{TraceID: "", SpanID: "s1", Name: "chat"})
	assert.ErrorIs(t, err, convert.ErrMalformedSpan)

	_, err = c.Convert(model.NativeSpan{TraceID: "t1", SpanID: "", Name: "chat"})
	assert.ErrorIs(t, err, convert.ErrMalformedSpan)
}

// Spans with no attribute or name markers fall back to their structural
// position: roots read as AGENT, their children as CHAIN.
func TestConverter_StructuralFallback(t *testing.T) {
	c := newTestConverter(t)
	root := model.NativeSpan{TraceID: "t1", SpanID: "root", Name: "opaque"}
	child := model.NativeSpan{TraceID: "t1", SpanID: "child", ParentSpanID: "root", Name: "opaque"}
	c.OnStart(root)
	c.OnStart(child)

	out, err := c.Convert(child)
	require.NoError(t, err)
	assert.Equal(t, model.KindChain, out.Kind)

	out, err = c.Convert(root)
	require.NoError(t, err)
	assert.Equal(t, model.KindAgent, out.Kind)
}

func TestConverter_AttributeBeatsStructure(t *testing.T) {
	c := newTestConverter(t)
	// Structurally a root (would be AGENT), but the model attribute wins.
	span := model.NativeSpan{
		TraceID: "t1", SpanID: "s1", Name: "opaque",
		Attributes: map[string]any{"gen_ai.request.model": "claude-3"},
	}
	c.OnStart(span)
	out, err := c.Convert(span)
	require.NoError(t, err)
	assert.Equal(t, model.KindLLM, out.Kind)
}

func TestConverter_UnseenSpanMarkedUnresolved(t *testing.T) {
	c := newTestConverter(t)
	// Ended without a matching start: hierarchy has nothing for it.
	out, err := c.Convert(model.NativeSpan{
		TraceID: "t1", SpanID: "s1", ParentSpanID: "ghost", Name: "chat",
		Attributes: map[string]any{"gen_ai.request.model": "claude-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.Attributes["strands.hierarchy.unresolved"])
	// The native parent link is preserved verbatim regardless.
	assert.Equal(t, "ghost", out.ParentSpanID)
}
