package strand

import (
	"context"
	"encoding/json"
	"sync"
)

// ChildEventType labels events a delegated child pushes to its parent.
type ChildEventType string

const (
	ChildContent    ChildEventType = "child_content"
	ChildToolStart  ChildEventType = "child_tool_start"
	ChildToolResult ChildEventType = "child_tool_result"
	ChildDone       ChildEventType = "child_done"
)

// ChildEvent is one unit of child progress relayed through the bus.
type ChildEvent struct {
	Type       ChildEventType
	AgentName  string
	Content    string
	ToolName   string
	ToolCallID string
	Args       json.RawMessage
	Result     string
	IsError    bool
}

const defaultBusCapacity = 128

// DelegationBus carries child events from delegate tools to the parent
// turn's multiplexer. It is scoped to a single turn and travels on the
// context, so nested tools find it without wiring.
type DelegationBus struct {
	ch        chan ChildEvent
	closeOnce sync.Once
}

// NewDelegationBus creates a bus with the given capacity (<=0 uses the
// default).
func NewDelegationBus(capacity int) *DelegationBus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &DelegationBus{ch: make(chan ChildEvent, capacity)}
}

// Push enqueues an event. It blocks when the bus is full and gives up when
// ctx is cancelled or the bus was closed; either way the event is dropped,
// never the turn.
func (b *DelegationBus) Push(ctx context.Context, ev ChildEvent) {
	defer func() {
		// Send on a closed bus loses the event, not the child turn.
		_ = recover()
	}()
	select {
	case b.ch <- ev:
	case <-ctx.Done():
	}
}

// Events exposes the receive side for the multiplexer.
func (b *DelegationBus) Events() <-chan ChildEvent { return b.ch }

// Close ends the stream. Safe to call more than once.
func (b *DelegationBus) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}

type delegationBusKey struct{}

// WithDelegationBus attaches a bus for delegate tools invoked downstream.
func WithDelegationBus(ctx context.Context, bus *DelegationBus) context.Context {
	return context.WithValue(ctx, delegationBusKey{}, bus)
}

// DelegationBusFromContext retrieves the turn's bus, if streaming.
func DelegationBusFromContext(ctx context.Context) (*DelegationBus, bool) {
	bus, ok := ctx.Value(delegationBusKey{}).(*DelegationBus)
	return bus, ok
}
