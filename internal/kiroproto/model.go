package kiroproto

import "strings"

// Upstream model identifiers Kiro accepts, selected by substring match on
// the client-requested Anthropic model name.
const (
	modelSonnet = "CLAUDE_SONNET_4_5_20250929_V1_0"
	modelOpus   = "CLAUDE_OPUS_4_1_20250805_V1_0"
	modelHaiku  = "CLAUDE_HAIKU_4_5_20251001_V1_0"
)

// MapModelName resolves a client-supplied Anthropic model name to the
// upstream Kiro model identifier by case-insensitive substring match:
// "sonnet" wins over "opus" wins over "haiku" when a name improbably
// contains more than one; no match defaults to the sonnet variant.
func MapModelName(anthropicModel string) string {
	lower := strings.ToLower(anthropicModel)
	switch {
	case strings.Contains(lower, "sonnet"):
		return modelSonnet
	case strings.Contains(lower, "opus"):
		return modelOpus
	case strings.Contains(lower, "haiku"):
		return modelHaiku
	default:
		return modelSonnet
	}
}
