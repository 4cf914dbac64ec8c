package convert

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// Event names the runtime uses for conversation turns.
const (
	eventUserMessage      = "gen_ai.user.message"
	eventAssistantMessage = "gen_ai.assistant.message"
	eventChoice           = "gen_ai.choice"
	eventToolMessage      = "gen_ai.tool.message"
)

// ExtractMessages pulls the conversation out of a native span. Events are the
// authoritative source; the gen_ai.prompt / gen_ai.completion attributes are a
// fallback for runtimes that never emit turn events. Order within each side
// follows source order.
func ExtractMessages(span model.NativeSpan) (input, output []model.Message) {
	if len(span.Events) > 0 {
		in, out := messagesFromEvents(span.Events)
		if len(in) > 0 || len(out) > 0 {
			return in, out
		}
	}
	return messagesFromAttributes(span.Attributes[attrPrompt], span.Attributes[attrCompletion])
}

func messagesFromEvents(events []model.SpanEvent) (input, output []model.Message) {
	for _, ev := range events {
		switch ev.Name {
		case eventUserMessage:
			if msg, ok := parseContent(asString(ev.Attributes["content"]), "user"); ok {
				input = append(input, msg)
			}
		case eventAssistantMessage:
			if msg, ok := parseContent(asString(ev.Attributes["content"]), "assistant"); ok {
				output = append(output, msg)
			}
		case eventChoice:
			if msg, ok := parseContent(asString(ev.Attributes["message"]), "assistant"); ok {
				if fr, ok := ev.Attributes["finish_reason"]; ok {
					msg.FinishReason = asString(fr)
				}
				output = append(output, msg)
			}
		case eventToolMessage:
			content := asString(ev.Attributes["content"])
			toolID := asString(ev.Attributes["id"])
			if content == "" {
				continue
			}
			if msg, ok := parseContent(content, "tool"); ok && toolID != "" {
				msg.ToolCallID = toolID
				input = append(input, msg)
			}
		}
	}
	return input, output
}

func messagesFromAttributes(prompt, completion any) (input, output []model.Message) {
	if s := asString(prompt); s != "" {
		var turns []any
		if err := json.Unmarshal([]byte(s), &turns); err == nil {
			for _, t := range turns {
				msg := normalizeMessage(t)
				if msg.Role == "user" {
					input = append(input, msg)
				}
			}
		} else {
			input = append(input, model.Message{Role: "user", Content: s})
		}
	}
	if s := asString(completion); s != "" {
		var items []any
		if err := json.Unmarshal([]byte(s), &items); err == nil {
			if msg, ok := assembleTurn(items, "assistant"); ok {
				output = append(output, msg)
			}
		} else {
			output = append(output, model.Message{Role: "assistant", Content: s})
		}
	}
	return input, output
}

// parseContent decodes one turn payload. The runtime encodes content as a
// JSON list of items, each {text}, {toolUse} or {toolResult}; plain strings
// and bare objects degrade to text.
func parseContent(content, role string) (model.Message, bool) {
	if content == "" {
		return model.Message{}, false
	}
	var data any
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return model.Message{Role: role, Content: content}, true
	}
	switch v := data.(type) {
	case []any:
		return assembleTurn(v, role)
	case map[string]any:
		if text, ok := v["text"]; ok {
			return model.Message{Role: role, Content: asString(text)}, true
		}
		return model.Message{Role: role, Content: compactJSON(v)}, true
	default:
		return model.Message{Role: role, Content: asString(v)}, true
	}
}

// assembleTurn folds a list of content items into one message. toolResult
// items flip the role to "tool" and carry the originating call id.
func assembleTurn(items []any, role string) (model.Message, bool) {
	msg := model.Message{Role: role}
	var textParts []string
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch {
		case item["text"] != nil:
			textParts = append(textParts, asString(item["text"]))
		case item["toolUse"] != nil:
			tu, _ := item["toolUse"].(map[string]any)
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:        asString(tu["toolUseId"]),
				Name:      asString(tu["name"]),
				Arguments: compactJSON(orEmpty(tu["input"])),
			})
		case item["toolResult"] != nil:
			tr, _ := item["toolResult"].(map[string]any)
			if content, ok := tr["content"].(map[string]any); ok {
				if text, ok := content["text"]; ok {
					textParts = append(textParts, asString(text))
				}
			} else if content, ok := tr["content"].([]any); ok {
				for _, c := range content {
					if cm, ok := c.(map[string]any); ok {
						if text, ok := cm["text"]; ok {
							textParts = append(textParts, asString(text))
						}
					}
				}
			}
			msg.Role = "tool"
			if id, ok := tr["toolUseId"]; ok {
				msg.ToolCallID = asString(id)
			}
		}
	}
	msg.Content = strings.Join(textParts, " ")
	if msg.Content == "" && len(msg.ToolCalls) == 0 && msg.ToolCallID == "" {
		return model.Message{}, false
	}
	return msg, true
}

// normalizeMessage coerces a decoded prompt entry into a message. List
// content keeps only its text items, joined by spaces.
func normalizeMessage(raw any) model.Message {
	obj, ok := raw.(map[string]any)
	if !ok {
		return model.Message{Role: "user", Content: asString(raw)}
	}
	var msg model.Message
	msg.Role = asString(obj["role"])
	switch content := obj["content"].(type) {
	case []any:
		var parts []string
		for _, item := range content {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"]; ok {
					parts = append(parts, asString(text))
				}
			}
		}
		msg.Content = strings.Join(parts, " ")
	case nil:
	default:
		msg.Content = asString(content)
	}
	return msg
}

// SplitToolCalls rewrites each turn carrying N tool calls into the text
// message followed by N single-call messages, preserving overall order. Turns
// with no text and exactly one call pass through unchanged.
func SplitToolCalls(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if len(msg.ToolCalls) == 0 || (len(msg.ToolCalls) == 1 && msg.Content == "") {
			out = append(out, msg)
			continue
		}
		text := msg
		text.ToolCalls = nil
		out = append(out, text)
		for _, tc := range msg.ToolCalls {
			out = append(out, model.Message{
				Role:      msg.Role,
				ToolCalls: []model.ToolCall{tc},
			})
		}
	}
	return out
}

// FlattenMessages writes msgs into bag as dotted keys under prefix, e.g.
// llm.input_messages.0.message.role. The full list is also stored as compact
// JSON under the bare prefix for backends that prefer the blob.
func FlattenMessages(msgs []model.Message, prefix string, bag map[string]any) {
	if len(msgs) == 0 {
		return
	}
	bag[prefix] = compactJSON(msgs)
	for i, msg := range msgs {
		base := prefix + "." + strconv.Itoa(i) + ".message."
		bag[base+"role"] = msg.Role
		bag[base+"content"] = msg.Content
		if msg.ToolCallID != "" {
			bag[base+"tool_call_id"] = msg.ToolCallID
		}
		if msg.FinishReason != "" {
			bag[base+"finish_reason"] = msg.FinishReason
		}
		for j, tc := range msg.ToolCalls {
			tcBase := base + "tool_calls." + strconv.Itoa(j) + "."
			bag[tcBase+"tool_call.id"] = tc.ID
			bag[tcBase+"tool_call.function.name"] = tc.Name
			bag[tcBase+"tool_call.function.arguments"] = tc.Arguments
		}
	}
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
