package strand

import (
	"context"
	"encoding/json"
	"fmt"
)

// DelegateToolName is the reserved name of the in-process delegation tool.
const DelegateToolName = "ask_agent"

const defaultMaxDelegationDepth = 3

type delegationDepthKey struct{}

func delegationDepth(ctx context.Context) int {
	d, _ := ctx.Value(delegationDepthKey{}).(int)
	return d
}

// DelegateTool lets an agent hand a sub-task to another agent. The child
// runs in-process against the same engine; when the calling turn streams,
// child progress is relayed over the turn's delegation bus.
type DelegateTool struct {
	engine   *Engine
	maxDepth int
}

var _ Tool = (*DelegateTool)(nil)

func newDelegateTool(engine *Engine, maxDepth int) *DelegateTool {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDelegationDepth
	}
	return &DelegateTool{engine: engine, maxDepth: maxDepth}
}

func (d *DelegateTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        DelegateToolName,
		Description: "Delegate a task to another agent and wait for its answer. Use when a specialised agent is better suited for part of the request.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agent": {"type": "string", "description": "Name of the agent to delegate to"},
				"input": {"type": "string", "description": "Task or question for the delegated agent"}
			},
			"required": ["agent", "input"]
		}`),
	}}
}

type delegateArgs struct {
	Agent string `json:"agent"`
	Input string `json:"input"`
}

// delegateSummary is the JSON object returned to the calling model.
type delegateSummary struct {
	Status             string `json:"status"`
	Output             any    `json:"output,omitempty"`
	TextResponse       string `json:"text_response,omitempty"`
	AgentSchema        string `json:"agent_schema"`
	IsStructuredOutput bool   `json:"is_structured_output"`
	ChainedToolResult  any    `json:"chained_tool_result,omitempty"`
	Error              string `json:"error,omitempty"`
}

func (d *DelegateTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var in delegateArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolResult{Error: "invalid ask_agent arguments: " + err.Error()}, nil
	}
	if in.Agent == "" || in.Input == "" {
		return ToolResult{Error: "ask_agent requires both agent and input"}, nil
	}

	depth := delegationDepth(ctx)
	if depth >= d.maxDepth {
		return ToolResult{Error: fmt.Sprintf("delegation depth limit reached (%d)", d.maxDepth)}, nil
	}
	ctx = context.WithValue(ctx, delegationDepthKey{}, depth+1)

	res, err := d.engine.runChild(ctx, in.Agent, in.Input)

	summary := delegateSummary{AgentSchema: in.Agent}
	switch {
	case err != nil:
		summary.Status = "error"
		summary.Error = err.Error()
	case res.Structured != nil:
		summary.Status = "success"
		summary.IsStructuredOutput = true
		var out any
		if jerr := json.Unmarshal(res.Structured, &out); jerr == nil {
			summary.Output = out
		} else {
			summary.TextResponse = res.Output
		}
		if res.ChainedResult != "" {
			var chained any
			if jerr := json.Unmarshal([]byte(res.ChainedResult), &chained); jerr == nil {
				summary.ChainedToolResult = chained
			} else {
				summary.ChainedToolResult = res.ChainedResult
			}
		}
	default:
		summary.Status = "success"
		summary.TextResponse = res.Output
	}

	raw, merr := json.Marshal(summary)
	if merr != nil {
		return ToolResult{Error: "encode delegation summary: " + merr.Error()}, nil
	}
	return ToolResult{Content: string(raw)}, nil
}
