package strand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TurnResult is the terminal outcome of one executed turn.
type TurnResult struct {
	Output        string          // assistant text, or structured payload as text
	Structured    json.RawMessage // non-nil for structured-output agents
	ChainedResult string          // chained tool output, if the schema declares one
	Usage         Usage
	Exchanges     []ToolExchange
}

// turnExecutor runs a single turn for one agent: replay history, run the
// model, account tool exchanges, dispatch the chained tool, and persist the
// whole turn in one store call.
type turnExecutor struct {
	schema      *AgentSchema
	runner      Runner
	store       Store
	codec       *HistoryCodec
	tools       *ToolRegistry
	identity    Identity
	logger      *slog.Logger
	tracer      Tracer
	now         func() time.Time
	tokenBudget int
	persist     bool // child delegation turns skip persistence
}

// run executes the turn. When ch is non-nil the turn streams onto it;
// the caller owns ch and closes it after run returns. Persisted state is
// written even when the run ends in a limit or cancellation, so the session
// stays replayable.
func (e *turnExecutor) run(ctx context.Context, sess *Session, input string, ch chan<- StreamEvent) (*TurnResult, error) {
	start := e.now()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "turn.run",
			StringAttr("agent", e.schema.Name()),
			StringAttr("session", sess.ID),
			BoolAttr("streaming", ch != nil))
		defer span.End()
	}

	history, err := e.codec.Load(ctx, sess, e.tokenBudget)
	if err != nil {
		// A broken transcript must not block the turn; run with what we have.
		e.logger.Warn("history load failed, starting fresh", "session", sess.ID, "error", err)
		history = nil
	}

	instructions := e.schema.SystemPrompt() + "\n\n" +
		BuildInstructions(start, sess, e.identity, e.schema.Name())

	req := RunRequest{
		Model:        e.schema.Model(),
		Temperature:  e.schema.Temperature(),
		MaxTokens:    e.schema.MaxTokens(),
		Instructions: instructions,
		Messages:     append(history, UserMessage(input)),
		Tools:        e.tools,
		OutputSchema: e.schema.OutputSchema(),
		Limits:       e.schema.Limits(),
	}

	acc := newTurnAccumulator(ctx, ch)
	evCh := make(chan RunEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range evCh {
			acc.observe(ev)
		}
	}()
	result, runErr := e.runner.RunStream(ctx, req, evCh)
	close(evCh)
	<-done

	if span != nil && runErr != nil {
		span.Error(runErr)
	}

	assistantText := result.Text
	if assistantText == "" {
		assistantText = acc.text()
	}
	var structured json.RawMessage
	if e.schema.Structured() && len(result.Output) > 0 {
		structured = result.Output
		assistantText = string(result.Output)
	}

	exchanges := acc.exchanges
	if runErr != nil {
		// Half-open pairs get an error response so no tool_call row is left
		// unanswered.
		exchanges = append(exchanges, acc.abandonPending(runErr)...)
	}

	res := &TurnResult{
		Output:     assistantText,
		Structured: structured,
		Usage:      result.Usage,
		Exchanges:  exchanges,
	}

	if runErr == nil && structured != nil {
		e.validateStructured(structured)
		if name := e.schema.ChainedTool(); name != "" {
			res.ChainedResult = e.dispatchChained(ctx, name, structured, res, acc)
		}
	}

	if e.persist {
		cancelled := runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err())
		// A cancelled blocking turn delivered nothing to the client, so its
		// partial text is dropped rather than persisted.
		omitAssistant := runErr != nil && len(res.Exchanges) == 0 &&
			(assistantText == "" || (cancelled && ch == nil))
		persistedText := assistantText
		if omitAssistant {
			persistedText = ""
		}
		rec := TurnRecord{
			SessionID:     sess.ID,
			AgentName:     e.schema.Name(),
			Model:         e.schema.Model(),
			UserText:      input,
			AssistantText: persistedText,
			OmitAssistant: omitAssistant,
			Exchanges:     res.Exchanges,
			Usage:         result.Usage,
			LatencyMS:     e.now().Sub(start).Milliseconds(),
			Serialized:    e.serialized(result, req.Messages, persistedText),
		}
		if err := e.store.PersistTurn(context.WithoutCancel(ctx), rec); err != nil {
			e.logger.Error("turn persistence failed", "session", sess.ID, "error", err)
			if runErr == nil {
				runErr = err
			}
		} else if len(rec.Serialized) > 0 {
			// Keep the in-memory session in step with the stored transcript
			// so a later session upsert cannot roll it back.
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]any)
			}
			sess.Metadata[metadataKeyHistory] = string(rec.Serialized)
		}
	}

	if runErr != nil {
		if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
			runErr = fmt.Errorf("%w: %v", ErrCancelled, runErr)
		}
		acc.emit(StreamEvent{Type: EventError, Content: runErr.Error()})
		acc.emit(StreamEvent{Type: EventDone, Usage: &res.Usage})
		return res, runErr
	}

	e.logger.Debug("turn complete",
		"agent", e.schema.Name(),
		"session", sess.ID,
		"output", previewText(assistantText, 80),
		"tool_calls", len(res.Exchanges))
	acc.emit(StreamEvent{Type: EventDone, Usage: &res.Usage})
	return res, nil
}

// serialized picks the transcript blob to store: the runtime's own form when
// it provides one, otherwise a re-encode of the final conversation.
func (e *turnExecutor) serialized(result RunResult, sent []ChatMessage, assistantText string) json.RawMessage {
	if len(result.Serialized) > 0 {
		return result.Serialized
	}
	msgs := result.Messages
	if len(msgs) == 0 {
		msgs = append(append([]ChatMessage{}, sent...), AssistantMessage(assistantText))
	}
	raw, err := SerializeMessages(msgs)
	if err != nil {
		e.logger.Warn("history serialization failed", "error", err)
		return nil
	}
	return raw
}

// validateStructured checks the payload against the agent's output schema.
// Violations only log: the payload was already produced and the chained tool
// is the judge of whether it can act on it.
func (e *turnExecutor) validateStructured(payload json.RawMessage) {
	raw := e.schema.OutputSchema()
	if len(raw) == 0 {
		return
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		e.logger.Warn("output schema unreadable", "agent", e.schema.Name(), "error", err)
		return
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		e.logger.Warn("output schema rejected", "agent", e.schema.Name(), "error", err)
		return
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		e.logger.Warn("output schema rejected", "agent", e.schema.Name(), "error", err)
		return
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		e.logger.Warn("structured output not valid JSON", "agent", e.schema.Name(), "error", err)
		return
	}
	if err := compiled.Validate(doc); err != nil {
		e.logger.Warn("structured output violates schema", "agent", e.schema.Name(), "error", err)
	}
}

// dispatchChained feeds the structured payload to the schema's chained tool
// and records the exchange. Failures become error-shaped results persisted
// with the turn; they never fail the turn itself.
func (e *turnExecutor) dispatchChained(ctx context.Context, name string, payload json.RawMessage, res *TurnResult, acc *turnAccumulator) string {
	callID := NewID()
	acc.emit(StreamEvent{Type: EventToolCallStart, Name: name, ID: callID, Args: payload})

	content, isErr := "", false
	tool := e.tools.Find(name)
	if tool == nil {
		err := fmt.Errorf("%w: %q", ErrToolNotFound, name)
		e.logger.Warn("chained tool not registered", "agent", e.schema.Name(), "error", err)
		content, isErr = errorResultJSON(err.Error()), true
	} else {
		tr, err := tool.Execute(ctx, name, payload)
		switch {
		case err != nil:
			content, isErr = errorResultJSON(err.Error()), true
		case tr.Error != "":
			content, isErr = errorResultJSON(tr.Error), true
		default:
			content = tr.Content
		}
	}

	res.Exchanges = append(res.Exchanges, ToolExchange{
		ID:      callID,
		Name:    name,
		Args:    payload,
		Result:  content,
		IsError: isErr,
	})
	acc.emit(StreamEvent{Type: EventToolCallResult, Name: name, ID: callID, Content: content, IsError: isErr})
	return content
}

// turnAccumulator folds run events into turn state: assistant text, tool
// exchange pairing by call ID, and pass-through stream emission. It runs in
// the single collector goroutine, so no locking.
type turnAccumulator struct {
	ctx       context.Context
	out       chan<- StreamEvent
	buf       []byte
	pending   map[string]ToolCall
	order     []string
	exchanges []ToolExchange
}

func newTurnAccumulator(ctx context.Context, out chan<- StreamEvent) *turnAccumulator {
	return &turnAccumulator{ctx: ctx, out: out, pending: make(map[string]ToolCall)}
}

func (a *turnAccumulator) text() string { return string(a.buf) }

// emit forwards ev to the stream. Once the turn context is cancelled the
// consumer may have stopped reading, so pending events are dropped instead
// of blocking the collector.
func (a *turnAccumulator) emit(ev StreamEvent) {
	if a.out == nil {
		return
	}
	select {
	case a.out <- ev:
	case <-a.ctx.Done():
	}
}

func (a *turnAccumulator) observe(ev RunEvent) {
	switch ev.Type {
	case RunPartStart:
		// boundary marker only
	case RunPartDelta:
		a.buf = append(a.buf, ev.Content...)
		a.emit(StreamEvent{Type: EventTextDelta, Content: ev.Content})
	case RunToolCall:
		a.pending[ev.Call.ID] = ev.Call
		a.order = append(a.order, ev.Call.ID)
		a.emit(StreamEvent{Type: EventToolCallStart, Name: ev.Call.Name, ID: ev.Call.ID, Args: ev.Call.Args})
	case RunToolResult:
		call, ok := a.pending[ev.Call.ID]
		if !ok {
			call = ev.Call
		}
		delete(a.pending, ev.Call.ID)
		a.exchanges = append(a.exchanges, ToolExchange{
			ID:      call.ID,
			Name:    call.Name,
			Args:    call.Args,
			Result:  string(ev.Result),
			IsError: ev.IsError,
		})
		a.emit(StreamEvent{Type: EventToolCallResult, Name: call.Name, ID: call.ID, Content: string(ev.Result), IsError: ev.IsError})
	}
}

// abandonPending closes still-open tool calls with an error result, in the
// order they were issued.
func (a *turnAccumulator) abandonPending(cause error) []ToolExchange {
	var out []ToolExchange
	for _, id := range a.order {
		call, ok := a.pending[id]
		if !ok {
			continue
		}
		delete(a.pending, id)
		out = append(out, ToolExchange{
			ID:      call.ID,
			Name:    call.Name,
			Args:    call.Args,
			Result:  errorResultJSON("interrupted: " + cause.Error()),
			IsError: true,
		})
	}
	return out
}

func errorResultJSON(msg string) string {
	raw, err := json.Marshal(map[string]string{"status": "error", "error": msg})
	if err != nil {
		return `{"status":"error"}`
	}
	return string(raw)
}
