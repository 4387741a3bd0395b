// Package kiroproto is the bidirectional translator between the
// Anthropic Messages JSON/SSE schema and Kiro's upstream JSON/event-stream
// schema: it owns model-name mapping, content flattening, tool filtering,
// and the SSE event-sequencing state machine, but never talks to the
// network itself.
package kiroproto

import (
	"bytes"
	"encoding/json"
)

// PartKind names the kind of one content part in an Anthropic message.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
	PartThinking   PartKind = "thinking"
)

// ContentPart is one tagged element of a message's content array. Exactly
// the fields relevant to Kind are populated; callers must switch
// exhaustively on Kind rather than guess from populated fields.
type ContentPart struct {
	Kind PartKind

	Text string // PartText, PartThinking

	Source json.RawMessage // PartImage, passed through unexamined

	ToolUseID         string          // PartToolUse, PartToolResult
	ToolName          string          // PartToolUse
	Input             json.RawMessage // PartToolUse
	ToolResultContent json.RawMessage // PartToolResult, string-or-array passthrough
	ToolResultIsError bool            // PartToolResult

	Signature string // PartThinking, passed through unexamined
}

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var shape struct {
		Type              string          `json:"type"`
		Text              string          `json:"text"`
		Source            json.RawMessage `json:"source"`
		ID                string          `json:"id"`
		Name              string          `json:"name"`
		Input             json.RawMessage `json:"input"`
		ToolUseID         string          `json:"tool_use_id"`
		Content           json.RawMessage `json:"content"`
		IsError           bool            `json:"is_error"`
		Thinking          string          `json:"thinking"`
		Signature         string          `json:"signature"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	switch PartKind(shape.Type) {
	case PartText:
		p.Kind = PartText
		p.Text = shape.Text
	case PartImage:
		p.Kind = PartImage
		p.Source = shape.Source
	case PartToolUse:
		p.Kind = PartToolUse
		p.ToolUseID = shape.ID
		p.ToolName = shape.Name
		p.Input = shape.Input
	case PartToolResult:
		p.Kind = PartToolResult
		p.ToolUseID = shape.ToolUseID
		p.ToolResultContent = shape.Content
		p.ToolResultIsError = shape.IsError
	case PartThinking:
		p.Kind = PartThinking
		p.Text = shape.Thinking
		p.Signature = shape.Signature
	default:
		// Unknown part kinds keep their type string as Kind, with no other
		// field set, rather than failing the whole message; the forward
		// translator drops them.
		p.Kind = PartKind(shape.Type)
	}
	return nil
}

// ContentList is a message's (or system prompt's) content: either a bare
// string on the wire, which becomes a single text part, or an array of
// typed parts, order-preserved.
type ContentList []ContentPart

func (c *ContentList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*c = nil
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ContentList{{Kind: PartText, Text: s}}
		return nil
	}
	var raw []ContentPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = raw
	return nil
}

// Message is one Anthropic conversation turn.
type Message struct {
	Role    string      `json:"role"`
	Content ContentList `json:"content"`
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ThinkingConfig is the Anthropic extended-thinking request block.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Request is the inbound Anthropic-shaped messages request.
type Request struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []Message       `json:"messages"`
	System    ContentList     `json:"system,omitempty"`
	Tools     []Tool          `json:"tools,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

// Usage is the Anthropic usage accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the non-streaming Anthropic-shaped reply.
type Response struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []ResponseBlock `json:"content"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      Usage           `json:"usage"`
}

// ResponseBlock is one assembled content block in a non-streaming response.
type ResponseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}
