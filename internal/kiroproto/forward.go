package kiroproto

import (
	"encoding/json"
	"strings"

	"github.com/kirobridge/kirobridge/internal/kiroerr"
)

// CredentialFingerprint carries the per-credential values the forward
// translator needs to stamp a request: the routing header and the
// resolved device fingerprint (see ResolveMachineID).
type CredentialFingerprint struct {
	ProfileArn string
	MachineID  string
}

// isWebSearchTool reports whether name is web_search or websearch, in any
// case; such tools are dropped from the forwarded tool list.
func isWebSearchTool(name string) bool {
	lower := strings.ToLower(name)
	return lower == "web_search" || lower == "websearch"
}

// ToUpstream translates one Anthropic-shaped request into the Kiro
// upstream JSON body and the header additions the translation itself is
// responsible for (profile routing, not bearer auth). The Kiro
// conversation object is opaque to clients but preserves every content
// part's kind and order so it round-trips back to equivalent semantic
// content.
func ToUpstream(req Request, fp FingerprintConfig, cred CredentialFingerprint) ([]byte, map[string]string, error) {
	messages := make([]any, 0, len(req.Messages)+1)

	if len(req.System) > 0 {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": encodeParts(req.System),
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": encodeParts(m.Content),
		})
	}

	tools := make([]any, 0, len(req.Tools))
	for _, t := range req.Tools {
		if isWebSearchTool(t.Name) {
			continue
		}
		tool := map[string]any{"name": t.Name, "description": t.Description}
		if len(t.InputSchema) > 0 {
			tool["input_schema"] = json.RawMessage(t.InputSchema)
		}
		tools = append(tools, tool)
	}

	// cred.MachineID arrives already resolved (credential override, else
	// global override, else derived) — see credpool.Pool.Reload, which
	// calls ResolveMachineID once per credential rather than per request.
	machineID := cred.MachineID
	if machineID == "" {
		machineID = ResolveMachineID("", fp.MachineID, "")
	}
	body := map[string]any{
		"model":     MapModelName(req.Model),
		"maxTokens": req.MaxTokens,
		"messages":  messages,
		"clientMetadata": map[string]any{
			"kiroVersion":   fp.KiroVersion,
			"systemVersion": fp.SystemVersion,
			"nodeVersion":   fp.NodeVersion,
			"machineId":     machineID,
		},
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	if req.Thinking != nil {
		body["thinking"] = map[string]any{
			"type":          req.Thinking.Type,
			"budget_tokens": req.Thinking.BudgetTokens,
		}
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, nil, kiroerr.Wrap(kiroerr.KindConfigError, "failed to build upstream payload", err)
	}

	headers := make(map[string]string, 1)
	if cred.ProfileArn != "" {
		headers["x-amz-profile-arn"] = cred.ProfileArn
	}
	return out, headers, nil
}

func encodeParts(parts ContentList) []any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case PartImage:
			out = append(out, map[string]any{"type": "image", "source": json.RawMessage(p.Source)})
		case PartToolUse:
			out = append(out, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolUseID,
				"name":  p.ToolName,
				"input": json.RawMessage(p.Input),
			})
		case PartToolResult:
			out = append(out, map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolUseID,
				"content":     json.RawMessage(p.ToolResultContent),
				"is_error":    p.ToolResultIsError,
			})
		case PartThinking:
			out = append(out, map[string]any{
				"type":      "thinking",
				"thinking":  p.Text,
				"signature": p.Signature,
			})
		default:
			// Unknown part kind: skip rather than forward something the
			// upstream can't interpret.
		}
	}
	return out
}

