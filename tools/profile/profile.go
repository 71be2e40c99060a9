// Package profile provides the user_profile tool: durable facts about the
// user kept in store metadata and shared across sessions.
package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strandkit/strand"
)

// Tool implements user_profile. Reads and writes go through the store's
// metadata merge, so concurrent sessions never lose keys.
type Tool struct {
	store strand.Store
}

var _ strand.Tool = (*Tool)(nil)

// New creates the profile tool.
func New(store strand.Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []strand.ToolDefinition {
	return []strand.ToolDefinition{{
		Name: "user_profile",
		Description: "Read or update the user's durable profile. " +
			"Use get before asking the user to repeat themselves; use update when they share lasting facts.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["get", "update"]},
				"merge": {"type": "object", "description": "Keys to set or overwrite on update"},
				"remove_keys": {"type": "array", "items": {"type": "string"}, "description": "Keys to delete on update"}
			},
			"required": ["action"]
		}`),
	}}
}

type args struct {
	Action     string         `json:"action"`
	Merge      map[string]any `json:"merge"`
	RemoveKeys []string       `json:"remove_keys"`
}

func (t *Tool) Execute(ctx context.Context, name string, raw json.RawMessage) (strand.ToolResult, error) {
	tc, ok := strand.ToolContextFromContext(ctx)
	if !ok || tc.UserID == "" {
		return strand.ToolResult{Error: "no user in scope"}, nil
	}

	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return strand.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}

	switch a.Action {
	case "get":
		profile, err := t.store.FetchMetadata(ctx, strand.MetadataUser, tc.UserID)
		if err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		return encode(map[string]any{"status": "success", "profile": profile})
	case "update":
		if len(a.Merge) == 0 && len(a.RemoveKeys) == 0 {
			return strand.ToolResult{Error: "update requires merge or remove_keys"}, nil
		}
		profile, err := t.store.MergeMetadata(ctx, strand.MetadataUser, tc.UserID, a.Merge, a.RemoveKeys)
		if err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		return encode(map[string]any{"status": "success", "profile": profile})
	default:
		return strand.ToolResult{Error: fmt.Sprintf("unknown action %q", a.Action)}, nil
	}
}

func encode(v any) (strand.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return strand.ToolResult{Error: "encode result: " + err.Error()}, nil
	}
	return strand.ToolResult{Content: string(data)}, nil
}
