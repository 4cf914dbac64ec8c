// Package convert rewrites native Strands span attributes into the
// OpenInference semantic convention.
package convert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// PassthroughPrefix is the reserved namespace for native attributes that have
// no OpenInference mapping. Nothing is dropped — unknown keys are copied
// verbatim under this prefix.
const PassthroughPrefix = "strands."

// Native attribute keys recognized by the classifier and mapper.
const (
	attrModel       = "gen_ai.request.model"
	attrAgentName   = "gen_ai.agent.name"
	attrAgentAlias  = "agent.name"
	attrToolName    = "gen_ai.tool.name"
	attrToolCallID  = "gen_ai.tool.call.id"
	attrToolStatus  = "tool.status"
	attrCycleID     = "event_loop.cycle_id"
	attrPrompt      = "gen_ai.prompt"
	attrCompletion  = "gen_ai.completion"
	attrAgentTools  = "gen_ai.agent.tools"
	attrToolsAlias  = "agent.tools"
	attrTags        = "arize.tags"
	attrTagsAlias   = "tag.tags"
	attrSessionID   = "session.id"
	attrUserID      = "user.id"
	attrMaxTokens   = "max_tokens"
	attrTemperature = "temperature"
	attrTopP        = "top_p"
)

// classRule is one row of the span-kind decision table. Rows are evaluated in
// order; the first match wins.
type classRule struct {
	kind  model.SpanKind
	match func(name string, attrs map[string]any) bool
}

// kindTable encodes the classification priority LLM > TOOL > CHAIN > AGENT.
// Each row matches on an explicit attribute marker or on the runtime's span
// naming convention (current spelling first, legacy spelling second).
var kindTable = []classRule{
	{model.KindLLM, func(name string, attrs map[string]any) bool {
		_, ok := attrs[attrModel]
		return ok || name == "chat" || strings.Contains(name, "Model invoke")
	}},
	{model.KindTool, func(name string, attrs map[string]any) bool {
		_, ok := attrs[attrToolName]
		return ok || strings.HasPrefix(name, "execute_tool ") || strings.HasPrefix(name, "Tool:")
	}},
	{model.KindChain, func(name string, attrs map[string]any) bool {
		_, ok := attrs[attrCycleID]
		return ok || name == "execute_event_loop_cycle" || strings.Contains(name, "Cycle")
	}},
	{model.KindAgent, func(name string, attrs map[string]any) bool {
		if strings.HasPrefix(name, "invoke_agent") {
			return true
		}
		_, a := attrs[attrAgentName]
		_, b := attrs[attrAgentAlias]
		return a || b
	}},
}

// Classify returns the attribute-based span kind, or KindUnknown when no rule
// matches. Structural fallback for unknown spans happens in the Converter.
func Classify(name string, attrs map[string]any) model.SpanKind {
	for _, rule := range kindTable {
		if rule.match(name, attrs) {
			return rule.kind
		}
	}
	return model.KindUnknown
}

// Map translates a native attribute bag into the OpenInference attribute bag
// for a span of the given kind. Pure and total: it never fails, and native
// keys without a mapping are preserved under PassthroughPrefix.
func Map(name string, attrs map[string]any, kind model.SpanKind) map[string]any {
	bag := make(map[string]any, len(attrs)+8)
	bag["openinference.span.kind"] = string(kind)

	mapped := make(map[string]bool, len(attrs))

	if v, ok := attrs[attrModel]; ok {
		bag["llm.model_name"] = asString(v)
		bag[attrModel] = asString(v)
		mapped[attrModel] = true
	}
	if hasAny(attrs, attrAgentName, attrAgentAlias) {
		bag["llm.system"] = "strands-agents"
		bag["llm.provider"] = "strands-agents"
		mapped[attrAgentName] = true
		mapped[attrAgentAlias] = true
	}

	if kind == model.KindTool {
		mapToolAttributes(name, attrs, bag, mapped)
	}

	applyUsage(bag, TokenUsage(attrs))
	for _, k := range usageKeys {
		mapped[k] = true
	}

	mapInvocationParameters(attrs, bag, mapped)
	mapTools(attrs, bag, mapped)
	mapTags(attrs, bag, mapped)

	// Keys the target schema accepts verbatim.
	for _, k := range []string{
		attrSessionID,
		attrUserID,
		"llm.prompt_template.template",
		"llm.prompt_template.version",
		"llm.prompt_template.variables",
	} {
		if v, ok := attrs[k]; ok {
			bag[k] = serializeValue(v)
			mapped[k] = true
		}
	}

	// Conversation payloads are consumed by the message flattener, never
	// copied raw.
	mapped[attrPrompt] = true
	mapped[attrCompletion] = true
	mapped[attrCycleID] = true

	for k, v := range attrs {
		if !mapped[k] {
			bag[PassthroughPrefix+k] = serializeValue(v)
		}
	}
	return bag
}

// mapToolAttributes fills tool.* keys for TOOL spans. The tool name falls
// back to the span naming convention when the attribute is missing.
func mapToolAttributes(name string, attrs map[string]any, bag map[string]any, mapped map[string]bool) {
	toolName := asString(attrs[attrToolName])
	if toolName == "" {
		toolName = strings.TrimPrefix(strings.TrimPrefix(name, "execute_tool "), "Tool: ")
	}
	if toolName != "" {
		bag["tool.name"] = toolName
	}
	if v, ok := attrs[attrToolCallID]; ok {
		bag["tool.call_id"] = asString(v)
	}
	if v, ok := attrs[attrToolStatus]; ok {
		bag["tool.status"] = asString(v)
	}
	mapped[attrToolName] = true
	mapped[attrToolCallID] = true
	mapped[attrToolStatus] = true
}

// usageKeys are the known native spellings for token counters, in precedence
// order within each destination.
var usageKeys = []string{
	"gen_ai.usage.prompt_tokens",
	"gen_ai.usage.input_tokens",
	"gen_ai.usage.completion_tokens",
	"gen_ai.usage.output_tokens",
	"gen_ai.usage.total_tokens",
}

// TokenUsage extracts token counters, tolerating both current and legacy key
// spellings. The first recognized spelling per counter is authoritative. An
// explicit total wins; otherwise total is derived from prompt+completion when
// both are present. Counters the source never reported stay absent.
func TokenUsage(attrs map[string]any) model.TokenUsage {
	var u model.TokenUsage
	u.Prompt = firstInt64(attrs, "gen_ai.usage.prompt_tokens", "gen_ai.usage.input_tokens")
	u.Completion = firstInt64(attrs, "gen_ai.usage.completion_tokens", "gen_ai.usage.output_tokens")
	u.Total = firstInt64(attrs, "gen_ai.usage.total_tokens")
	if u.Total == nil && u.Prompt != nil && u.Completion != nil {
		total := *u.Prompt + *u.Completion
		u.Total = &total
	}
	return u
}

func applyUsage(bag map[string]any, u model.TokenUsage) {
	if u.Prompt != nil {
		bag["llm.token_count.prompt"] = *u.Prompt
	}
	if u.Completion != nil {
		bag["llm.token_count.completion"] = *u.Completion
	}
	if u.Total != nil {
		bag["llm.token_count.total"] = *u.Total
	}
}

func mapInvocationParameters(attrs map[string]any, bag map[string]any, mapped map[string]bool) {
	params := make(map[string]any)
	for _, k := range []string{attrMaxTokens, attrTemperature, attrTopP} {
		if v, ok := attrs[k]; ok {
			params[k] = v
			mapped[k] = true
		}
	}
	if len(params) > 0 {
		bag["llm.invocation_parameters"] = compactJSON(params)
	}
}

// mapTools expands the agent's tool registry into llm.tools.{i}.tool.* keys.
func mapTools(attrs map[string]any, bag map[string]any, mapped map[string]bool) {
	raw, ok := attrs[attrAgentTools]
	if !ok {
		raw, ok = attrs[attrToolsAlias]
	}
	mapped[attrAgentTools] = true
	mapped[attrToolsAlias] = true
	if !ok {
		return
	}

	var tools []any
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &tools); err != nil {
			return
		}
	case []any:
		tools = v
	default:
		return
	}

	for i, t := range tools {
		prefix := fmt.Sprintf("llm.tools.%d.tool.", i)
		switch tool := t.(type) {
		case string:
			bag[prefix+"name"] = tool
			bag[prefix+"description"] = "Tool: " + tool
		case map[string]any:
			bag[prefix+"name"] = asString(tool["name"])
			bag[prefix+"description"] = asString(tool["description"])
			schema := tool["parameters"]
			if schema == nil {
				schema = tool["input_schema"]
			}
			if schema != nil {
				bag[prefix+"json_schema"] = compactJSON(schema)
			}
		}
	}
}

func mapTags(attrs map[string]any, bag map[string]any, mapped map[string]bool) {
	raw, ok := attrs[attrTags]
	if !ok {
		raw, ok = attrs[attrTagsAlias]
	}
	mapped[attrTags] = true
	mapped[attrTagsAlias] = true
	if !ok {
		return
	}
	switch v := raw.(type) {
	case string:
		bag["tag.tags"] = []string{v}
	case []string:
		bag["tag.tags"] = v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			tags = append(tags, asString(t))
		}
		bag["tag.tags"] = tags
	}
}

func hasAny(attrs map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := attrs[k]; ok {
			return true
		}
	}
	return false
}

// firstInt64 returns the first present key coerced to int64, or nil.
func firstInt64(attrs map[string]any, keys ...string) *int64 {
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			if n, ok := asInt64(v); ok {
				return &n
			}
		}
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

// serializeValue keeps scalars as-is and JSON-encodes everything else, so the
// wire encoder only ever sees flat values.
func serializeValue(v any) any {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64, nil:
		return v
	default:
		return compactJSON(v)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
