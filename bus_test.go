package strand

import (
	"context"
	"testing"
	"time"
)

func TestBusPushAndReceive(t *testing.T) {
	bus := NewDelegationBus(4)
	ctx := context.Background()
	bus.Push(ctx, ChildEvent{Type: ChildContent, Content: "a"})
	bus.Push(ctx, ChildEvent{Type: ChildContent, Content: "b"})
	bus.Close()

	var got []string
	for ev := range bus.Events() {
		got = append(got, ev.Content)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
}

func TestBusPushAfterCloseIsSafe(t *testing.T) {
	bus := NewDelegationBus(4)
	bus.Close()
	bus.Close() // idempotent

	// Must not panic; the event is simply dropped.
	bus.Push(context.Background(), ChildEvent{Type: ChildContent, Content: "late"})
}

func TestBusPushGivesUpOnCancel(t *testing.T) {
	bus := NewDelegationBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Push(ctx, ChildEvent{Type: ChildContent, Content: "fills the buffer"})

	cancel()
	done := make(chan struct{})
	go func() {
		bus.Push(ctx, ChildEvent{Type: ChildContent, Content: "blocked"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not give up on cancelled context")
	}
}

func TestBusContextPlumbing(t *testing.T) {
	if _, ok := DelegationBusFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no bus")
	}
	bus := NewDelegationBus(1)
	ctx := WithDelegationBus(context.Background(), bus)
	got, ok := DelegationBusFromContext(ctx)
	if !ok || got != bus {
		t.Fatal("bus not recovered from context")
	}
}
