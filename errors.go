package strand

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrToolNotFound    = errors.New("tool not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session busy")
	ErrCancelled       = errors.New("turn cancelled")
)

// SchemaError reports an agent document that failed compilation.
type SchemaError struct {
	Name   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid agent schema %q: %s", e.Name, e.Reason)
}

// LimitError reports a hard usage limit hit mid-turn. Kind is one of
// "requests", "tool_calls", or "tokens".
type LimitError struct {
	Kind  string
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded (%d)", e.Kind, e.Limit)
}

// RunnerError wraps a failure from the model runtime.
type RunnerError struct {
	Runner  string
	Message string
	Err     error
}

func (e *RunnerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Runner, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Runner, e.Message)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
