package strand

import "encoding/json"

// StreamEventType labels entries on the multiplexed output channel.
type StreamEventType string

const (
	// Parent-sourced events.
	EventTextDelta      StreamEventType = "text-delta"
	EventToolCallStart  StreamEventType = "tool-call-start"
	EventToolCallResult StreamEventType = "tool-call-result"
	EventError          StreamEventType = "error"
	EventDone           StreamEventType = "done"

	// Child-sourced events, re-emitted by the multiplexer.
	EventChildContent    StreamEventType = "child_content"
	EventChildToolStart  StreamEventType = "child_tool_start"
	EventChildToolResult StreamEventType = "child_tool_result"
	EventChildDone       StreamEventType = "child_done"
)

// StreamEvent is one unit of streamed output for a turn. Agent is empty for
// parent events and carries the delegated agent's name for child events.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Agent   string          `json:"agent,omitempty"`
	Name    string          `json:"name,omitempty"` // tool name
	ID      string          `json:"id,omitempty"`   // tool call ID
	Content string          `json:"content,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"` // set on the final done event
}
