package strand

import (
	"context"
	"testing"
)

func runMux(t *testing.T, drive func(parent chan<- StreamEvent, bus *DelegationBus)) []StreamEvent {
	t.Helper()
	parent := make(chan StreamEvent, 16)
	bus := NewDelegationBus(16)
	out := make(chan StreamEvent, 64)

	go Multiplex(context.Background(), parent, bus, out)
	drive(parent, bus)
	close(parent)

	var events []StreamEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestMultiplexParentOnly(t *testing.T) {
	events := runMux(t, func(parent chan<- StreamEvent, _ *DelegationBus) {
		parent <- StreamEvent{Type: EventTextDelta, Content: "a"}
		parent <- StreamEvent{Type: EventTextDelta, Content: "b"}
		parent <- StreamEvent{Type: EventDone, Usage: &Usage{InputTokens: 7}}
	})
	if len(events) != 3 {
		t.Fatalf("events: %+v", events)
	}
	if events[0].Content != "a" || events[1].Content != "b" {
		t.Errorf("parent order lost: %+v", events)
	}
	last := events[2]
	if last.Type != EventDone || last.Usage == nil || last.Usage.InputTokens != 7 {
		t.Errorf("done event must carry usage: %+v", last)
	}
}

func TestMultiplexDrainsChildrenBeforeDone(t *testing.T) {
	events := runMux(t, func(parent chan<- StreamEvent, bus *DelegationBus) {
		// Child events buffered on the bus before the parent finishes.
		ctx := context.Background()
		bus.Push(ctx, ChildEvent{Type: ChildContent, AgentName: "scribe", Content: "a"})
		bus.Push(ctx, ChildEvent{Type: ChildContent, AgentName: "scribe", Content: "b"})
		bus.Push(ctx, ChildEvent{Type: ChildDone, AgentName: "scribe"})
		parent <- StreamEvent{Type: EventDone}
	})

	if events[len(events)-1].Type != EventDone {
		t.Fatalf("done must be last: %+v", events)
	}
	var childContents []string
	for _, ev := range events {
		if ev.Type == EventChildContent {
			childContents = append(childContents, ev.Content)
		}
		if ev.Type == EventChildContent && ev.Agent != "scribe" {
			t.Errorf("agent name lost: %+v", ev)
		}
	}
	if len(childContents) != 2 || childContents[0] != "a" || childContents[1] != "b" {
		t.Errorf("child order lost: %v", childContents)
	}
	sawChildDone := false
	for _, ev := range events[:len(events)-1] {
		if ev.Type == EventChildDone {
			sawChildDone = true
		}
	}
	if !sawChildDone {
		t.Error("child_done not emitted before final done")
	}
}

func TestMultiplexChildEventMapping(t *testing.T) {
	events := runMux(t, func(parent chan<- StreamEvent, bus *DelegationBus) {
		ctx := context.Background()
		bus.Push(ctx, ChildEvent{Type: ChildToolStart, AgentName: "scribe", ToolName: "search", ToolCallID: "c1"})
		bus.Push(ctx, ChildEvent{Type: ChildToolResult, AgentName: "scribe", ToolName: "search", ToolCallID: "c1", Result: `{"hits":1}`, IsError: false})
		parent <- StreamEvent{Type: EventDone}
	})

	var start, result *StreamEvent
	for i := range events {
		switch events[i].Type {
		case EventChildToolStart:
			start = &events[i]
		case EventChildToolResult:
			result = &events[i]
		}
	}
	if start == nil || start.Name != "search" || start.ID != "c1" {
		t.Fatalf("tool start: %+v", start)
	}
	if result == nil || result.Content != `{"hits":1}` {
		t.Fatalf("tool result must carry the result as content: %+v", result)
	}
}

func TestMultiplexInterleavesWhileParentRuns(t *testing.T) {
	parent := make(chan StreamEvent)
	bus := NewDelegationBus(16)
	out := make(chan StreamEvent, 64)
	go Multiplex(context.Background(), parent, bus, out)

	ctx := context.Background()
	parent <- StreamEvent{Type: EventTextDelta, Content: "p1"}
	bus.Push(ctx, ChildEvent{Type: ChildContent, Content: "c1"})
	parent <- StreamEvent{Type: EventTextDelta, Content: "p2"}
	close(parent)

	var parentSeen, childSeen []string
	for ev := range out {
		switch ev.Type {
		case EventTextDelta:
			parentSeen = append(parentSeen, ev.Content)
		case EventChildContent:
			childSeen = append(childSeen, ev.Content)
		}
	}
	if len(parentSeen) != 2 || parentSeen[0] != "p1" || parentSeen[1] != "p2" {
		t.Errorf("per-source parent order: %v", parentSeen)
	}
	if len(childSeen) != 1 || childSeen[0] != "c1" {
		t.Errorf("child events: %v", childSeen)
	}
}

func TestMultiplexContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	parent := make(chan StreamEvent)
	bus := NewDelegationBus(1)
	out := make(chan StreamEvent) // unbuffered: emits block until read

	done := make(chan struct{})
	go func() {
		Multiplex(ctx, parent, bus, out)
		close(done)
	}()

	cancel()
	<-done // mux must exit without anyone reading out
	if _, ok := <-out; ok {
		t.Error("out should be closed")
	}
}
