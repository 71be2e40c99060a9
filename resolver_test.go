package strand

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type staticSource struct {
	tools []Tool
	err   error
	names []string
}

func (s *staticSource) Resolve(_ context.Context, names []string) ([]Tool, error) {
	s.names = names
	return s.tools, s.err
}

func defNames(reg *ToolRegistry) []string {
	var out []string
	for _, d := range reg.AllDefinitions() {
		out = append(out, d.Name)
	}
	return out
}

func TestResolverDelegateAlwaysWins(t *testing.T) {
	// Even a local tool named ask_agent cannot shadow the delegate.
	res := &toolResolver{
		delegates: map[string]Tool{"ask_agent": echoTool{name: "ask_agent"}},
		local:     NewToolRegistry(failTool{name: "ask_agent"}),
		logger:    nopLogger,
	}
	reg := res.resolve(context.Background(), []ToolRef{{Name: "ask_agent", Provider: "remote"}})
	tool := reg.Find("ask_agent")
	if tool == nil {
		t.Fatal("delegate not resolved")
	}
	tr, err := tool.Execute(context.Background(), "ask_agent", json.RawMessage(`{}`))
	if err != nil || tr.Error != "" {
		t.Errorf("delegate shadowed: %v %v", tr, err)
	}
}

func TestResolverLocalFiltered(t *testing.T) {
	res := &toolResolver{
		local:  NewToolRegistry(multiTool{}),
		logger: nopLogger,
	}
	reg := res.resolve(context.Background(), []ToolRef{{Name: "read"}})
	names := defNames(reg)
	if len(names) != 1 || names[0] != "read" {
		t.Errorf("sibling functions leaked: %v", names)
	}
	tr, err := reg.Execute(context.Background(), "read", nil)
	if err != nil || tr.Content != "did read" {
		t.Errorf("filtered execute: %v %v", tr, err)
	}
}

func TestResolverMissingToolOmitted(t *testing.T) {
	res := &toolResolver{local: NewToolRegistry(), logger: nopLogger}
	reg := res.resolve(context.Background(), []ToolRef{{Name: "ghost"}})
	if len(defNames(reg)) != 0 {
		t.Errorf("missing tool should be omitted: %v", defNames(reg))
	}
}

func TestResolverRemoteProvider(t *testing.T) {
	src := &staticSource{tools: []Tool{echoTool{name: "search"}}}
	res := &toolResolver{
		remotes: map[string]ToolSource{"mcp": src},
		logger:  nopLogger,
	}
	reg := res.resolve(context.Background(), []ToolRef{
		{Name: "search", Provider: "mcp"},
		{Name: "fetch", Provider: "mcp"},
	})
	if len(src.names) != 2 {
		t.Errorf("provider should get one batched request: %v", src.names)
	}
	if reg.Find("search") == nil {
		t.Error("remote tool not registered")
	}
}

func TestResolverRemoteFailureOmits(t *testing.T) {
	src := &staticSource{err: errors.New("connection refused")}
	res := &toolResolver{
		remotes: map[string]ToolSource{"mcp": src},
		local:   NewToolRegistry(multiTool{}),
		logger:  nopLogger,
	}
	reg := res.resolve(context.Background(), []ToolRef{
		{Name: "search", Provider: "mcp"},
		{Name: "read"},
	})
	// Remote failure must not take the local tools down with it.
	names := defNames(reg)
	if len(names) != 1 || names[0] != "read" {
		t.Errorf("got %v", names)
	}
}

func TestResolverUnknownProviderOmits(t *testing.T) {
	res := &toolResolver{logger: nopLogger}
	reg := res.resolve(context.Background(), []ToolRef{{Name: "x", Provider: "nowhere"}})
	if len(defNames(reg)) != 0 {
		t.Errorf("got %v", defNames(reg))
	}
}
