package strand

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PropertySpec describes one property of an agent's output structure.
type PropertySpec struct {
	Type        string          `json:"type" yaml:"type"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string        `json:"enum,omitempty" yaml:"enum,omitempty"`
	Items       json.RawMessage `json:"items,omitempty" yaml:"-"`
}

// Properties is an ordered property map. Declaration order matters for
// prompt rendering, so decoding preserves it.
type Properties struct {
	keys  []string
	specs map[string]PropertySpec
}

// Keys returns property names in declaration order.
func (p *Properties) Keys() []string { return p.keys }

// Get returns the spec for a property.
func (p *Properties) Get(name string) (PropertySpec, bool) {
	s, ok := p.specs[name]
	return s, ok
}

// Len returns the number of properties.
func (p *Properties) Len() int { return len(p.keys) }

func (p *Properties) set(name string, spec PropertySpec) {
	if p.specs == nil {
		p.specs = make(map[string]PropertySpec)
	}
	if _, exists := p.specs[name]; !exists {
		p.keys = append(p.keys, name)
	}
	p.specs[name] = spec
}

// UnmarshalYAML decodes a mapping node keeping key order.
func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("properties: expected mapping, got %v", node.Kind)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		var spec PropertySpec
		if err := valNode.Decode(&spec); err != nil {
			return fmt.Errorf("properties: %s: %w", keyNode.Value, err)
		}
		// items can be an arbitrary nested schema; re-encode to JSON.
		for j := 0; j+1 < len(valNode.Content); j += 2 {
			if valNode.Content[j].Value == "items" {
				var v any
				if err := valNode.Content[j+1].Decode(&v); err != nil {
					return fmt.Errorf("properties: %s.items: %w", keyNode.Value, err)
				}
				raw, err := json.Marshal(v)
				if err != nil {
					return err
				}
				spec.Items = raw
			}
		}
		p.set(keyNode.Value, spec)
	}
	return nil
}

// UnmarshalJSON decodes a JSON object keeping key order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("properties: expected object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("properties: %s: %w", key, err)
		}
		var spec PropertySpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return fmt.Errorf("properties: %s: %w", key, err)
		}
		p.set(key, spec)
	}
	return nil
}

// MarshalJSON renders the properties as a JSON object in declaration order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		spec, err := json.Marshal(p.specs[k])
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(spec)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// ToolRef names a tool the agent may call. Documents may write it as a bare
// string or as an object with provider and description overrides.
type ToolRef struct {
	Name        string `json:"name" yaml:"name"`
	Provider    string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func (t *ToolRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Name = node.Value
		return nil
	}
	type plain ToolRef
	return node.Decode((*plain)(t))
}

func (t *ToolRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Name)
	}
	type plain ToolRef
	return json.Unmarshal(data, (*plain)(t))
}

// AgentDocument is the on-disk / stored agent description. Unknown keys are
// ignored so documents can carry deployment-specific extras.
type AgentDocument struct {
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Model        string     `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int        `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Tools        []ToolRef  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Properties   Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required     []string   `json:"required,omitempty" yaml:"required,omitempty"`

	// StructuredOutput switches the model to schema-constrained output built
	// from Properties; ChainedTool then names the tool fed with that output.
	StructuredOutput bool   `json:"structured_output,omitempty" yaml:"structured_output,omitempty"`
	ChainedTool      string `json:"chained_tool,omitempty" yaml:"chained_tool,omitempty"`

	RequestLimit     int `json:"request_limit,omitempty" yaml:"request_limit,omitempty"`
	ToolCallsLimit   int `json:"tool_calls_limit,omitempty" yaml:"tool_calls_limit,omitempty"`
	TotalTokensLimit int `json:"total_tokens_limit,omitempty" yaml:"total_tokens_limit,omitempty"`

	RoutingEnabled  bool `json:"routing_enabled,omitempty" yaml:"routing_enabled,omitempty"`
	RoutingMaxTurns int  `json:"routing_max_turns,omitempty" yaml:"routing_max_turns,omitempty"`
}

// ParseDocument decodes a document from YAML or JSON bytes. format is the
// lowercase file extension without the dot ("yaml", "yml", "json").
func ParseDocument(data []byte, format string) (*AgentDocument, error) {
	var doc AgentDocument
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse agent document: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse agent document: %w", err)
		}
	default:
		return nil, fmt.Errorf("parse agent document: unsupported format %q", format)
	}
	return &doc, nil
}

// LoadDocumentFile reads and parses one document file.
func LoadDocumentFile(path string) (*AgentDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return ParseDocument(data, ext)
}

// LoadDocumentDir loads every *.yaml / *.yml document in dir, keyed by the
// document's declared name (falling back to the file stem).
func LoadDocumentDir(dir string) (map[string]*AgentDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	docs := make(map[string]*AgentDocument)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		doc, err := LoadDocumentFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		name := doc.Name
		if name == "" {
			name = strings.TrimSuffix(e.Name(), ext)
			doc.Name = name
		}
		docs[name] = doc
	}
	return docs, nil
}
