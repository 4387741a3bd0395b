package kiroproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestToUpstream_FlattensStringContent(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"model":"claude-sonnet-4-20250514","max_tokens":16,"messages":[{"role":"user","content":"ping"}]}`), &req))
	body, headers, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)
	require.Empty(t, headers)

	v := gjson.ParseBytes(body)
	require.Equal(t, modelSonnet, v.Get("model").String())
	require.Equal(t, "user", v.Get("messages.0.role").String())
	require.Equal(t, "ping", v.Get("messages.0.content.0.text").String())
}

func TestToUpstream_PrependsSystemAsRole(t *testing.T) {
	req := Request{
		Model:    "claude-sonnet-4-20250514",
		System:   ContentList{{Kind: PartText, Text: "be terse"}},
		Messages: []Message{{Role: "user", Content: ContentList{{Kind: PartText, Text: "hi"}}}},
	}
	body, _, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)

	v := gjson.ParseBytes(body)
	require.Equal(t, "system", v.Get("messages.0.role").String())
	require.Equal(t, "be terse", v.Get("messages.0.content.0.text").String())
	require.Equal(t, "user", v.Get("messages.1.role").String())
}

func TestToUpstream_DropsWebSearchToolsCaseInsensitive(t *testing.T) {
	req := Request{
		Model: "claude-sonnet-4-20250514",
		Tools: []Tool{
			{Name: "Web_Search"},
			{Name: "WEBSEARCH"},
			{Name: "get_weather", Description: "looks up weather"},
		},
	}
	body, _, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)

	v := gjson.ParseBytes(body)
	tools := v.Get("tools").Array()
	require.Len(t, tools, 1)
	require.Equal(t, "get_weather", tools[0].Get("name").String())
}

func TestToUpstream_ToolFilterIsIdempotent(t *testing.T) {
	req := Request{
		Model: "claude-sonnet-4-20250514",
		Tools: []Tool{{Name: "web_search"}, {Name: "keep_me"}},
	}
	body1, _, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)

	// Feed the already-filtered tool list through the filter again.
	refiltered := req
	refiltered.Tools = nil
	for _, tl := range gjson.GetBytes(body1, "tools").Array() {
		refiltered.Tools = append(refiltered.Tools, Tool{Name: tl.Get("name").String(), Description: tl.Get("description").String()})
	}
	body2, _, err := ToUpstream(refiltered, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)
	require.JSONEq(t, string(body1), string(body2))
}

func TestToUpstream_ProfileArnGoesInHeaders(t *testing.T) {
	req := Request{Model: "claude-sonnet-4-20250514"}
	body, headers, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{ProfileArn: "arn:aws:123", MachineID: "abc"})
	require.NoError(t, err)
	require.Equal(t, "arn:aws:123", headers["x-amz-profile-arn"])
	require.False(t, gjson.GetBytes(body, "profileArn").Exists())
}

func TestToUpstream_ThinkingPassthrough(t *testing.T) {
	req := Request{
		Model:    "claude-sonnet-4-20250514",
		Thinking: &ThinkingConfig{Type: "enabled", BudgetTokens: 2048},
	}
	body, _, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)
	v := gjson.ParseBytes(body)
	require.Equal(t, "enabled", v.Get("thinking.type").String())
	require.EqualValues(t, 2048, v.Get("thinking.budget_tokens").Int())
}

func TestToUpstream_RoundTripsToolUseAndResult(t *testing.T) {
	req := Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []Message{
			{Role: "assistant", Content: ContentList{{Kind: PartToolUse, ToolUseID: "t_1", ToolName: "get_weather", Input: []byte(`{"city":"Paris"}`)}}},
			{Role: "user", Content: ContentList{{Kind: PartToolResult, ToolUseID: "t_1", ToolResultContent: []byte(`"sunny"`)}}},
		},
	}
	body, _, err := ToUpstream(req, FingerprintConfig{}, CredentialFingerprint{})
	require.NoError(t, err)

	v := gjson.ParseBytes(body)
	require.Equal(t, "t_1", v.Get("messages.0.content.0.id").String())
	require.Equal(t, "get_weather", v.Get("messages.0.content.0.name").String())
	require.Equal(t, "Paris", v.Get("messages.0.content.0.input.city").String())
	require.Equal(t, "t_1", v.Get("messages.1.content.0.tool_use_id").String())
	require.Equal(t, "sunny", v.Get("messages.1.content.0.content").String())
}
