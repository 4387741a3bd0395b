package kiroproto

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kirobridge/kirobridge/internal/eventstream"
)

// StreamTranslator is the reverse (Kiro events -> Anthropic SSE) half of
// the translator: a small state machine fed one semantic event at a time,
// emitting zero or more SSE events per call. It never reads or writes the
// network itself; the caller pumps a Decoder and writes the returned
// events to the client sink, which gives the whole pipeline natural
// backpressure from the client socket.
type StreamTranslator struct {
	model string

	hasOpen   bool
	openIndex int

	toolJSON map[int]*strings.Builder

	closed bool
}

// NewStreamTranslator builds a translator that echoes back model as the
// Anthropic-visible model name, per spec.md §4.5 ("model name echoed back
// using the Anthropic-style name the client asked for").
func NewStreamTranslator(model string) *StreamTranslator {
	return &StreamTranslator{model: model, toolJSON: make(map[int]*strings.Builder)}
}

// Feed advances the state machine by one semantic event and returns the
// SSE events it produces, in order. Once a Feed call returns an event
// produced by EventError, the translator is closed and further Feed
// calls return nil.
func (t *StreamTranslator) Feed(ev eventstream.SemanticEvent) []SSEEvent {
	if t.closed {
		return nil
	}

	switch ev.Kind {
	case eventstream.EventMessageStart:
		return []SSEEvent{sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            "msg_" + uuid.NewString(),
				"type":          "message",
				"role":          "assistant",
				"model":         t.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})}

	case eventstream.EventContentBlockStart:
		out := t.closeOpenIfDifferent(ev.Index)
		t.hasOpen = true
		t.openIndex = ev.Index
		out = append(out, sseEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         ev.Index,
			"content_block": startBlockDescriptor(ev),
		}))
		return out

	case eventstream.EventTextDelta:
		out := t.openImplicit(ev.Index, eventstream.BlockText)
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}))
		return out

	case eventstream.EventThinkingDelta:
		out := t.openImplicit(ev.Index, eventstream.BlockThinking)
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Text},
		}))
		return out

	case eventstream.EventToolUseDelta:
		out := t.openImplicit(ev.Index, eventstream.BlockToolUse)
		if _, ok := t.toolJSON[ev.Index]; !ok {
			t.toolJSON[ev.Index] = &strings.Builder{}
		}
		t.toolJSON[ev.Index].WriteString(ev.PartialJSON)
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": ev.Index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.PartialJSON},
		}))
		return out

	case eventstream.EventContentBlockStop:
		// Tool-use JSON is validated only here, per spec.md §4.5; an
		// invalid fragment is not surfaced to the client as an error, it
		// simply means the accumulated input was malformed upstream.
		if b, ok := t.toolJSON[ev.Index]; ok {
			_ = json.Valid([]byte(b.String()))
			delete(t.toolJSON, ev.Index)
		}
		if t.hasOpen && t.openIndex == ev.Index {
			t.hasOpen = false
		}
		return []SSEEvent{sseEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": ev.Index,
		})}

	case eventstream.EventMessageDelta:
		out := t.closeOpenIfDifferent(-1)
		out = append(out, sseEvent("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   ev.StopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  ev.Usage.InputTokens,
				"output_tokens": ev.Usage.OutputTokens,
			},
		}))
		return out

	case eventstream.EventMessageStop:
		return []SSEEvent{sseEvent("message_stop", map[string]any{"type": "message_stop"})}

	case eventstream.EventError:
		t.closed = true
		return []SSEEvent{sseEvent("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "api_error",
				"message": ev.ErrorMessage,
			},
		})}

	case eventstream.EventWarning:
		// Unknown upstream event type: ignored per spec.md §4.1.
		return nil

	default:
		return nil
	}
}

// openImplicit ensures index is the open block before a delta is applied
// to it, synthesizing the content_block_start the upstream skipped when a
// delta arrives for an index that was never explicitly started — spec.md
// §4.5/§8 require every delta to be preceded by a start for its index
// even though upstream occasionally goes straight to the first delta.
// BlockKind is inferred from the delta's own kind since the delta itself
// carries no block descriptor.
func (t *StreamTranslator) openImplicit(index int, kind eventstream.BlockKind) []SSEEvent {
	if t.hasOpen && t.openIndex == index {
		return nil
	}
	out := t.closeOpenIfDifferent(index)
	t.hasOpen = true
	t.openIndex = index
	out = append(out, sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": startBlockDescriptor(eventstream.SemanticEvent{BlockKind: kind}),
	}))
	return out
}

// closeOpenIfDifferent synthesizes the missing content_block_stop when
// the upstream switches to a different block index without an explicit
// stop for the one currently open. Passing -1 always closes whatever is
// open (used before message_delta, which implies every block is done).
func (t *StreamTranslator) closeOpenIfDifferent(nextIndex int) []SSEEvent {
	if !t.hasOpen || t.openIndex == nextIndex {
		return nil
	}
	idx := t.openIndex
	t.hasOpen = false
	delete(t.toolJSON, idx)
	return []SSEEvent{sseEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})}
}

func startBlockDescriptor(ev eventstream.SemanticEvent) map[string]any {
	switch ev.BlockKind {
	case eventstream.BlockToolUse:
		return map[string]any{
			"type":  "tool_use",
			"id":    ev.ToolUseID,
			"name":  ev.ToolUseName,
			"input": map[string]any{},
		}
	case eventstream.BlockThinking:
		return map[string]any{"type": "thinking", "thinking": ""}
	default:
		return map[string]any{"type": "text", "text": ""}
	}
}
