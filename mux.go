package strand

import "context"

// Multiplex interleaves parent turn events and child delegation events onto
// out, preserving per-source order. Arrival order across sources is
// whatever the scheduler delivers.
//
// Termination follows the parent: when the parent channel closes, remaining
// buffered child events are drained, a final done event (carrying usage from
// the parent's done event) is emitted, and out is closed. Multiplex owns
// out.
func Multiplex(ctx context.Context, parent <-chan StreamEvent, bus *DelegationBus, out chan<- StreamEvent) {
	defer close(out)

	var final StreamEvent
	final.Type = EventDone

	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	children := bus.Events()
	for parent != nil || children != nil {
		select {
		case ev, ok := <-parent:
			if !ok {
				parent = nil
				// Parent is finished; whatever the children still have
				// buffered goes out, then we terminate regardless of bus
				// state.
				for {
					select {
					case cev, ok := <-children:
						if !ok {
							children = nil
						} else if !emit(fromChildEvent(cev)) {
							return
						}
					default:
						children = nil
					}
					if children == nil {
						break
					}
				}
				emit(final)
				return
			}
			if ev.Type == EventDone {
				// Hold the terminal event until children are drained.
				final = ev
				continue
			}
			if !emit(ev) {
				return
			}
		case cev, ok := <-children:
			if !ok {
				children = nil
				continue
			}
			if !emit(fromChildEvent(cev)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
	emit(final)
}

func fromChildEvent(cev ChildEvent) StreamEvent {
	ev := StreamEvent{
		Agent:   cev.AgentName,
		Name:    cev.ToolName,
		ID:      cev.ToolCallID,
		Content: cev.Content,
		Args:    cev.Args,
		IsError: cev.IsError,
	}
	switch cev.Type {
	case ChildContent:
		ev.Type = EventChildContent
	case ChildToolStart:
		ev.Type = EventChildToolStart
	case ChildToolResult:
		ev.Type = EventChildToolResult
		ev.Content = cev.Result
	case ChildDone:
		ev.Type = EventChildDone
	}
	return ev
}
