package kiroproto

import (
	"testing"

	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/kiroerr"
	"github.com/stretchr/testify/require"
)

// TestCollector_HappyPath covers the non-streaming half of spec.md §8
// scenario 1.
func TestCollector_HappyPath(t *testing.T) {
	c := NewCollector("claude-sonnet-4-20250514")
	for _, ev := range []eventstream.SemanticEvent{
		{Kind: eventstream.EventMessageStart},
		{Kind: eventstream.EventContentBlockStart, Index: 0, BlockKind: eventstream.BlockText},
		{Kind: eventstream.EventTextDelta, Index: 0, Text: "pong"},
		{Kind: eventstream.EventContentBlockStop, Index: 0},
		{Kind: eventstream.EventMessageDelta, StopReason: "end_turn", Usage: eventstream.Usage{InputTokens: 1, OutputTokens: 1}},
		{Kind: eventstream.EventMessageStop},
	} {
		c.Feed(ev)
	}

	resp, err := c.Result()
	require.NoError(t, err)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, Usage{InputTokens: 1, OutputTokens: 1}, resp.Usage)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "text", resp.Content[0].Type)
	require.Equal(t, "pong", resp.Content[0].Text)
}

func TestCollector_ToolUseAssemblesFragments(t *testing.T) {
	c := NewCollector("m")
	for _, ev := range []eventstream.SemanticEvent{
		{Kind: eventstream.EventContentBlockStart, Index: 0, BlockKind: eventstream.BlockToolUse, ToolUseID: "t_1", ToolUseName: "get_weather"},
		{Kind: eventstream.EventToolUseDelta, Index: 0, PartialJSON: `{"ci`},
		{Kind: eventstream.EventToolUseDelta, Index: 0, PartialJSON: `ty":"Paris"}`},
		{Kind: eventstream.EventContentBlockStop, Index: 0},
	} {
		c.Feed(ev)
	}

	resp, err := c.Result()
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "tool_use", resp.Content[0].Type)
	require.Equal(t, "t_1", resp.Content[0].ID)
	require.JSONEq(t, `{"city":"Paris"}`, string(resp.Content[0].Input))
}

func TestCollector_MalformedToolInputIsDecodeError(t *testing.T) {
	c := NewCollector("m")
	c.Feed(eventstream.SemanticEvent{Kind: eventstream.EventContentBlockStart, Index: 0, BlockKind: eventstream.BlockToolUse})
	c.Feed(eventstream.SemanticEvent{Kind: eventstream.EventToolUseDelta, Index: 0, PartialJSON: `{"not valid`})

	_, err := c.Result()
	require.Error(t, err)
	require.True(t, kiroerr.Is(err, kiroerr.KindDecodeError))
}
