package strand

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Default per-turn limits applied when a document leaves them unset.
const (
	DefaultRequestLimit   = 10
	DefaultToolCallsLimit = 20
)

// AgentSchema is a compiled, immutable agent description. Build once with
// BuildSchema; all accessors are read-only so a schema can be shared across
// concurrent turns.
type AgentSchema struct {
	doc          AgentDocument
	systemPrompt string
	outputSchema json.RawMessage
	structured   bool
	limits       UsageLimits
}

// BuildSchema validates and compiles a document. It returns a *SchemaError
// describing the first problem found.
func BuildSchema(doc *AgentDocument) (*AgentSchema, error) {
	if doc == nil {
		return nil, &SchemaError{Reason: "nil document"}
	}
	if doc.Name == "" {
		return nil, &SchemaError{Reason: "missing name"}
	}
	seen := make(map[string]struct{}, len(doc.Tools))
	for _, t := range doc.Tools {
		if t.Name == "" {
			return nil, &SchemaError{Name: doc.Name, Reason: "tool reference with empty name"}
		}
		if _, dup := seen[t.Name]; dup {
			return nil, &SchemaError{Name: doc.Name, Reason: fmt.Sprintf("duplicate tool %q", t.Name)}
		}
		seen[t.Name] = struct{}{}
	}
	for _, req := range doc.Required {
		if _, ok := doc.Properties.Get(req); !ok {
			return nil, &SchemaError{Name: doc.Name, Reason: fmt.Sprintf("required property %q not declared", req)}
		}
	}
	if doc.ChainedTool != "" && (!doc.StructuredOutput || doc.Properties.Len() == 0) {
		return nil, &SchemaError{Name: doc.Name, Reason: "chained_tool requires structured_output"}
	}

	// structured_output with no properties degrades to free text.
	s := &AgentSchema{doc: *doc, structured: doc.StructuredOutput && doc.Properties.Len() > 0}
	s.limits = UsageLimits{
		RequestLimit:     doc.RequestLimit,
		ToolCallsLimit:   doc.ToolCallsLimit,
		TotalTokensLimit: doc.TotalTokensLimit,
	}
	if s.limits.RequestLimit == 0 {
		s.limits.RequestLimit = DefaultRequestLimit
	}
	if s.limits.ToolCallsLimit == 0 {
		s.limits.ToolCallsLimit = DefaultToolCallsLimit
	}
	s.systemPrompt = renderSystemPrompt(doc)
	if s.structured {
		raw, err := renderOutputSchema(doc)
		if err != nil {
			return nil, &SchemaError{Name: doc.Name, Reason: err.Error()}
		}
		s.outputSchema = raw
	}
	return s, nil
}

func (s *AgentSchema) Name() string  { return s.doc.Name }
func (s *AgentSchema) Model() string { return s.doc.Model }

func (s *AgentSchema) Temperature() *float64 {
	if s.doc.Temperature == nil {
		return nil
	}
	t := *s.doc.Temperature
	return &t
}

func (s *AgentSchema) MaxTokens() int       { return s.doc.MaxTokens }
func (s *AgentSchema) ChainedTool() string  { return s.doc.ChainedTool }
func (s *AgentSchema) Structured() bool     { return s.structured }
func (s *AgentSchema) RoutingEnabled() bool { return s.doc.RoutingEnabled }
func (s *AgentSchema) RoutingMaxTurns() int { return s.doc.RoutingMaxTurns }

// ToolRefs returns the document's tool references.
func (s *AgentSchema) ToolRefs() []ToolRef {
	out := make([]ToolRef, len(s.doc.Tools))
	copy(out, s.doc.Tools)
	return out
}

// SystemPrompt returns the compiled system prompt.
func (s *AgentSchema) SystemPrompt() string { return s.systemPrompt }

// OutputSchema returns the JSON Schema for structured output, nil for
// free-text agents.
func (s *AgentSchema) OutputSchema() json.RawMessage { return s.outputSchema }

// Limits returns the per-turn usage limits with defaults applied.
func (s *AgentSchema) Limits() UsageLimits { return s.limits }

// renderSystemPrompt composes the base prompt with tool notes and, for
// free-text agents with properties, a thinking structure section.
func renderSystemPrompt(doc *AgentDocument) string {
	var b strings.Builder
	base := doc.SystemPrompt
	if base == "" {
		base = doc.Description
	}
	b.WriteString(strings.TrimSpace(base))

	var notes []ToolRef
	for _, t := range doc.Tools {
		if t.Description != "" {
			notes = append(notes, t)
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n\n## Tool Notes\n")
		for _, t := range notes {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	if !doc.StructuredOutput && doc.Properties.Len() > 0 {
		b.WriteString("\n## Thinking Structure\n")
		b.WriteString("Work through these aspects before answering:\n")
		for _, k := range doc.Properties.Keys() {
			spec, _ := doc.Properties.Get(k)
			if spec.Description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", k, spec.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", k)
			}
		}
	}
	return b.String()
}

// renderOutputSchema builds a JSON Schema object from the document's ordered
// properties.
func renderOutputSchema(doc *AgentDocument) (json.RawMessage, error) {
	props, err := json.Marshal(doc.Properties)
	if err != nil {
		return nil, err
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           json.RawMessage(props),
		"additionalProperties": false,
	}
	if len(doc.Required) > 0 {
		schema["required"] = doc.Required
	}
	return json.Marshal(schema)
}
