package strand

import "encoding/json"

// --- Domain types (database records) ---

// MessageType classifies a persisted message row.
type MessageType string

const (
	MessageUser         MessageType = "user"
	MessageSystem       MessageType = "system"
	MessageAssistant    MessageType = "assistant"
	MessageToolCall     MessageType = "tool_call"
	MessageToolResponse MessageType = "tool_response"
	MessageObservation  MessageType = "observation"
	MessageMemory       MessageType = "memory"
	MessageThink        MessageType = "think"
	MessageToolResult   MessageType = "tool_result"
)

// Session is a conversation scope. Metadata carries the routing table under
// "routing" and the runtime's serialized transcript under "pai_messages".
type Session struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	AgentName string         `json:"agent_name"`
	Mode      string         `json:"mode"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// MessageRecord is one persisted message row.
type MessageRecord struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Type         MessageType     `json:"message_type"`
	Content      string          `json:"content"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
	LatencyMS    int64           `json:"latency_ms,omitempty"`
	Model        string          `json:"model,omitempty"`
	AgentName    string          `json:"agent_name,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}

// GraphEdge links a moment to a related entity.
type GraphEdge struct {
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason,omitempty"`
}

// Moment is a durable summary row distilled from messages.
type Moment struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	MomentType      string         `json:"moment_type"`
	Summary         string         `json:"summary"`
	TopicTags       []string       `json:"topic_tags,omitempty"`
	EmotionTags     []string       `json:"emotion_tags,omitempty"`
	GraphEdges      []GraphEdge    `json:"graph_edges,omitempty"`
	SourceSessionID string         `json:"source_session_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       int64          `json:"created_at"`
}

// Built-in moment types. Tools may introduce additional values.
const (
	MomentSessionChunk   = "session_chunk"
	MomentDream          = "dream"
	MomentPlotCollection = "plot_collection"
)

// --- LLM protocol types ---

// ChatMessage is one entry in a model conversation.
type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (reasoning blocks, signatures)
}

// ToolCall is a model-issued tool invocation with resolved JSON arguments.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage tracks token consumption for a model call or a whole turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// callEnvelope is the shape of the tool_calls column on assistant rows.
type callEnvelope struct {
	Calls []ToolCall `json:"calls"`
}

// callRef is the shape of the tool_calls column on tool_call / tool_response
// rows: the correlation ID plus the tool name and, for tool_call rows, the
// arguments the model supplied.
type callRef struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"arguments,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
