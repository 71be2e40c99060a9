package strand

import (
	"context"
	"encoding/json"
)

// RunEventType labels incremental events emitted by a streaming run.
type RunEventType string

const (
	RunPartStart  RunEventType = "part-start"
	RunPartDelta  RunEventType = "part-delta"
	RunToolCall   RunEventType = "tool-call"
	RunToolResult RunEventType = "tool-result"
)

// RunEvent is one incremental event from the model runtime.
type RunEvent struct {
	Type    RunEventType
	Content string          // text delta for part events
	Call    ToolCall        // populated for tool-call
	Result  json.RawMessage // populated for tool-result
	IsError bool            // tool-result carried an error payload
}

// UsageLimits bounds a single run. Zero means no limit.
type UsageLimits struct {
	RequestLimit     int
	ToolCallsLimit   int
	TotalTokensLimit int
}

// RunRequest is one model run: the full conversation plus the tools the
// runtime may execute on our behalf.
type RunRequest struct {
	Model        string
	Temperature  *float64
	MaxTokens    int
	Instructions string
	Messages     []ChatMessage
	Tools        *ToolRegistry
	OutputSchema json.RawMessage // non-nil forces structured output
	Limits       UsageLimits
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Text       string          // assistant text (empty for structured output)
	Output     json.RawMessage // structured output payload, nil otherwise
	Messages   []ChatMessage   // full conversation including run-internal steps
	Serialized json.RawMessage // runtime-native transcript for fast replay
	Usage      Usage
}

// Runner executes model runs. Implementations drive the model's internal
// tool-calling loop themselves: when the model requests a tool the runner
// calls req.Tools.Execute with the SAME ctx it was given, so context-carried
// values (delegation bus, tool context) reach tool implementations.
//
// RunStream sends incremental events on ch but never closes it; the caller
// owns the channel. On a hit usage limit both methods return a *LimitError
// alongside whatever partial result was accumulated.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
	RunStream(ctx context.Context, req RunRequest, ch chan<- RunEvent) (RunResult, error)
	Name() string
}
