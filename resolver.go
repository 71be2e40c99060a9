package strand

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ToolSource resolves named tools from an external provider (an MCP server,
// a plugin host). Implementations return only the tools they could resolve.
type ToolSource interface {
	Resolve(ctx context.Context, names []string) ([]Tool, error)
}

// toolResolver materialises a schema's tool references into a per-turn
// registry. Delegate tools always come from the in-process set regardless of
// the declared provider; local references pull from the shared local
// registry; anything else goes through the named ToolSource. Unresolvable
// references are logged and omitted so a half-configured agent still runs.
type toolResolver struct {
	delegates map[string]Tool
	local     *ToolRegistry
	remotes   map[string]ToolSource
	logger    *slog.Logger
}

func (res *toolResolver) resolve(ctx context.Context, refs []ToolRef) *ToolRegistry {
	reg := NewToolRegistry()
	remoteNames := make(map[string][]string)
	for _, ref := range refs {
		if t, ok := res.delegates[ref.Name]; ok {
			reg.Add(t)
			continue
		}
		switch ref.Provider {
		case "", "local":
			if res.local != nil {
				if t := res.local.Find(ref.Name); t != nil {
					reg.Add(&filteredTool{inner: t, name: ref.Name})
					continue
				}
			}
			res.logger.Warn("omitting unresolvable tool", "tool", ref.Name, "error", ErrToolNotFound)
		default:
			remoteNames[ref.Provider] = append(remoteNames[ref.Provider], ref.Name)
		}
	}
	for provider, names := range remoteNames {
		src, ok := res.remotes[provider]
		if !ok {
			res.logger.Warn("tool provider not configured, omitting", "provider", provider, "tools", names)
			continue
		}
		tools, err := src.Resolve(ctx, names)
		if err != nil {
			res.logger.Warn("tool provider resolution failed, omitting", "provider", provider, "error", err)
			continue
		}
		for _, t := range tools {
			reg.Add(t)
		}
	}
	return reg
}

// filteredTool narrows a multi-function tool to the single referenced name,
// so a schema listing one function does not expose its siblings.
type filteredTool struct {
	inner Tool
	name  string
}

func (f *filteredTool) Definitions() []ToolDefinition {
	for _, d := range f.inner.Definitions() {
		if d.Name == f.name {
			return []ToolDefinition{d}
		}
	}
	return nil
}

func (f *filteredTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return f.inner.Execute(ctx, name, args)
}
