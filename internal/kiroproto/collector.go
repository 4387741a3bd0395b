package kiroproto

import (
	"sort"
	"strings"

	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/kiroerr"
)

// Collector buffers an entire semantic event stream and assembles the
// single non-streaming Anthropic Response spec.md §4.5 describes for
// stream=false requests. It reuses StreamTranslator's block-lifecycle
// rules (implicit-switch tie-break, contiguous indices) by construction:
// both consume the same SemanticEvent sequence.
type Collector struct {
	model string

	blocks    map[int]*collectedBlock
	order     []int
	stopReason string
	usage      Usage
}

type collectedBlock struct {
	kind      eventstream.BlockKind
	text      strings.Builder
	toolID    string
	toolName  string
	toolInput strings.Builder
}

// NewCollector builds a Collector that echoes model back in the assembled
// response.
func NewCollector(model string) *Collector {
	return &Collector{model: model, blocks: make(map[int]*collectedBlock)}
}

// Feed folds one semantic event into the buffered response.
func (c *Collector) Feed(ev eventstream.SemanticEvent) {
	switch ev.Kind {
	case eventstream.EventContentBlockStart:
		c.ensure(ev.Index, ev.BlockKind)
		b := c.blocks[ev.Index]
		b.toolID = ev.ToolUseID
		b.toolName = ev.ToolUseName
	case eventstream.EventTextDelta:
		c.ensure(ev.Index, eventstream.BlockText).text.WriteString(ev.Text)
	case eventstream.EventThinkingDelta:
		c.ensure(ev.Index, eventstream.BlockThinking).text.WriteString(ev.Text)
	case eventstream.EventToolUseDelta:
		c.ensure(ev.Index, eventstream.BlockToolUse).toolInput.WriteString(ev.PartialJSON)
	case eventstream.EventMessageDelta:
		c.stopReason = ev.StopReason
		c.usage = Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
	}
}

func (c *Collector) ensure(index int, kind eventstream.BlockKind) *collectedBlock {
	b, ok := c.blocks[index]
	if !ok {
		b = &collectedBlock{kind: kind}
		c.blocks[index] = b
		c.order = append(c.order, index)
	}
	return b
}

// Result assembles the final Response from everything fed so far.
// Malformed accumulated tool-use JSON surfaces as a DecodeError rather
// than being silently forwarded to the client, since a non-streaming
// caller can't recover by ignoring it mid-stream the way a streaming
// client effectively does.
func (c *Collector) Result() (*Response, error) {
	sort.Ints(c.order)
	blocks := make([]ResponseBlock, 0, len(c.order))
	for _, idx := range c.order {
		b := c.blocks[idx]
		switch b.kind {
		case eventstream.BlockText:
			blocks = append(blocks, ResponseBlock{Type: "text", Text: b.text.String()})
		case eventstream.BlockThinking:
			blocks = append(blocks, ResponseBlock{Type: "thinking", Text: b.text.String()})
		case eventstream.BlockToolUse:
			input := b.toolInput.String()
			if input == "" {
				input = "{}"
			}
			if !jsonValid(input) {
				return nil, kiroerr.New(kiroerr.KindDecodeError, "malformed tool_use input json")
			}
			blocks = append(blocks, ResponseBlock{Type: "tool_use", ID: b.toolID, Name: b.toolName, Input: []byte(input)})
		}
	}

	return &Response{
		ID:         "msg_" + randomID(),
		Type:       "message",
		Role:       "assistant",
		Model:      c.model,
		Content:    blocks,
		StopReason: c.stopReason,
		Usage:      c.usage,
	}, nil
}
