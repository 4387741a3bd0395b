package eventstream

import (
	"github.com/tidwall/gjson"
)

// EventKind identifies which variant a SemanticEvent carries.
type EventKind int

const (
	EventMessageStart EventKind = iota
	EventContentBlockStart
	EventTextDelta
	EventThinkingDelta
	EventToolUseDelta
	EventContentBlockStop
	EventMessageDelta
	EventMessageStop
	EventError
	EventWarning // unknown :event-type, ignored by the translator
)

// BlockKind names the kind of a started content block.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockThinking
	BlockToolUse
)

// Usage is a cumulative token accounting record.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// SemanticEvent is the decoded, translator-facing event. Exactly the
// fields relevant to Kind are populated.
type SemanticEvent struct {
	Kind EventKind

	Index int // content block index, where applicable

	BlockKind    BlockKind // ContentBlockStart
	ToolUseID    string    // ContentBlockStart(tool_use)
	ToolUseName  string    // ContentBlockStart(tool_use)

	Text        string // TextDelta / ThinkingDelta
	PartialJSON string // ToolUseDelta

	StopReason string // MessageDelta
	Usage      Usage  // MessageDelta

	ErrorCode    string // Error
	ErrorMessage string // Error

	RawEventType string // Warning
}

// knownEventTypes maps the upstream ":event-type" header to a decode
// function producing the semantic event from the frame payload.
var knownEventTypes = map[string]func(payload []byte) SemanticEvent{
	"messageStartEvent": func(payload []byte) SemanticEvent {
		return SemanticEvent{Kind: EventMessageStart}
	},
	"assistantResponseEvent": decodeTextDelta,
	"contentBlockStartEvent": decodeContentBlockStart,
	"thinkingEvent":          decodeThinkingDelta,
	"toolUseEvent":           decodeToolUseDelta,
	"contentBlockStopEvent":  decodeContentBlockStop,
	"messageDeltaEvent":      decodeMessageDelta,
	"messageStopEvent": func(payload []byte) SemanticEvent {
		return SemanticEvent{Kind: EventMessageStop}
	},
}

// DecodeSemanticEvent maps one decoded Frame to a SemanticEvent. Frames
// whose ":message-type" is "exception" or "error" always decode to
// EventError; unknown ":event-type" values decode to EventWarning so the
// translator can skip them without failing the stream.
func DecodeSemanticEvent(f *Frame) SemanticEvent {
	switch f.MessageType() {
	case "exception", "error":
		return decodeError(f.Payload)
	}

	eventType := f.EventType()
	if decode, ok := knownEventTypes[eventType]; ok {
		return decode(f.Payload)
	}
	return SemanticEvent{Kind: EventWarning, RawEventType: eventType}
}

func decodeTextDelta(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	return SemanticEvent{
		Kind:  EventTextDelta,
		Index: int(v.Get("index").Int()),
		Text:  v.Get("content").String(),
	}
}

func decodeThinkingDelta(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	return SemanticEvent{
		Kind:  EventThinkingDelta,
		Index: int(v.Get("index").Int()),
		Text:  v.Get("content").String(),
	}
}

func decodeToolUseDelta(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	return SemanticEvent{
		Kind:        EventToolUseDelta,
		Index:       int(v.Get("index").Int()),
		PartialJSON: v.Get("input").String(),
	}
}

func decodeContentBlockStart(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	kind := BlockText
	switch v.Get("kind").String() {
	case "thinking":
		kind = BlockThinking
	case "tool_use":
		kind = BlockToolUse
	}
	return SemanticEvent{
		Kind:        EventContentBlockStart,
		Index:       int(v.Get("index").Int()),
		BlockKind:   kind,
		ToolUseID:   v.Get("id").String(),
		ToolUseName: v.Get("name").String(),
	}
}

func decodeContentBlockStop(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	return SemanticEvent{Kind: EventContentBlockStop, Index: int(v.Get("index").Int())}
}

func decodeMessageDelta(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	return SemanticEvent{
		Kind:       EventMessageDelta,
		StopReason: v.Get("stopReason").String(),
		Usage: Usage{
			InputTokens:  int(v.Get("usage.inputTokens").Int()),
			OutputTokens: int(v.Get("usage.outputTokens").Int()),
		},
	}
}

func decodeError(payload []byte) SemanticEvent {
	v := gjson.ParseBytes(payload)
	code := v.Get("reason").String()
	if code == "" {
		code = v.Get("name").String()
	}
	return SemanticEvent{
		Kind:         EventError,
		ErrorCode:    code,
		ErrorMessage: v.Get("message").String(),
	}
}
