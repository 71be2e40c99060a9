package strand

import (
	"context"
	"encoding/json"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	return &ToolRegistry{tools: tools}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Find returns the tool exposing the named function, or nil.
func (r *ToolRegistry) Find(name string) Tool {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t
			}
		}
	}
	return nil
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if t := r.Find(name); t != nil {
		return t.Execute(ctx, name, args)
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// ToolContext identifies the caller on whose behalf a tool runs. It travels
// on the context so tool implementations stay free of session plumbing.
type ToolContext struct {
	UserID    string
	SessionID string
	AgentName string
}

type toolContextKey struct{}

// WithToolContext attaches caller identity for downstream tools.
func WithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFromContext retrieves the caller identity, if any.
func ToolContextFromContext(ctx context.Context) (ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(ToolContext)
	return tc, ok
}
