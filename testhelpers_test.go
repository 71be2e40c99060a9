package strand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// --- Runner mocks ---

// mockRunner funnels Run and RunStream through one scripted function so
// tests define model behaviour inline. Requests are recorded for
// inspection.
type mockRunner struct {
	mu    sync.Mutex
	reqs  []RunRequest
	runFn func(ctx context.Context, req RunRequest, emit func(RunEvent)) (RunResult, error)
}

func (m *mockRunner) Name() string { return "mock" }

func (m *mockRunner) record(req RunRequest) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
}

func (m *mockRunner) requests() []RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRequest{}, m.reqs...)
}

func (m *mockRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	m.record(req)
	return m.runFn(ctx, req, func(RunEvent) {})
}

func (m *mockRunner) RunStream(ctx context.Context, req RunRequest, ch chan<- RunEvent) (RunResult, error) {
	m.record(req)
	return m.runFn(ctx, req, func(ev RunEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})
}

// textRunner emits text one rune at a time and returns it as the result.
func textRunner(text string) *mockRunner {
	return &mockRunner{runFn: func(_ context.Context, _ RunRequest, emit func(RunEvent)) (RunResult, error) {
		for _, r := range text {
			emit(RunEvent{Type: RunPartDelta, Content: string(r)})
		}
		return RunResult{Text: text, Usage: Usage{InputTokens: 10, OutputTokens: len(text)}}, nil
	}}
}

// toolCallRunner calls the named tool once with args, then answers with text.
func toolCallRunner(toolName string, args, text string) *mockRunner {
	return &mockRunner{runFn: func(ctx context.Context, req RunRequest, emit func(RunEvent)) (RunResult, error) {
		call := ToolCall{ID: "call-1", Name: toolName, Args: json.RawMessage(args)}
		emit(RunEvent{Type: RunToolCall, Call: call})
		tr, err := req.Tools.Execute(ctx, toolName, call.Args)
		if err != nil {
			return RunResult{}, err
		}
		content, isErr := tr.Content, false
		if tr.Error != "" {
			content, isErr = tr.Error, true
		}
		emit(RunEvent{Type: RunToolResult, Call: call, Result: json.RawMessage(mustJSON(content)), IsError: isErr})
		emit(RunEvent{Type: RunPartDelta, Content: text})
		return RunResult{Text: text, Usage: Usage{InputTokens: 20, OutputTokens: 5}}, nil
	}}
}

func mustJSON(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return data
}

// --- In-memory store ---

// memStore implements Store in memory for tests. Rows get monotonically
// increasing created_at values so ordering is deterministic.
type memStore struct {
	mu           sync.Mutex
	seq          int64
	schemas      map[string]SchemaRecord
	sessions     map[string]Session
	messages     []MessageRecord
	moments      []Moment
	users        map[string]map[string]any
	persistCalls int
	failPersist  error
	failFetch    error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		schemas:  make(map[string]SchemaRecord),
		sessions: make(map[string]Session),
		users:    make(map[string]map[string]any),
	}
}

func (s *memStore) next() int64 {
	s.seq++
	return s.seq
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) FetchSchema(_ context.Context, name, kind string) (*SchemaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.schemas[name+"/"+kind]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) UpsertSchema(_ context.Context, rec SchemaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[rec.Name+"/"+rec.Kind] = rec
	return nil
}

func (s *memStore) FetchSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := sess
	out.Metadata = copyMap(sess.Metadata)
	return &out, nil
}

func (s *memStore) UpsertSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *sess
	stored.Metadata = copyMap(sess.Metadata)
	s.sessions[sess.ID] = stored
	return nil
}

func (s *memStore) FetchMessages(_ context.Context, sessionID string, _ int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch != nil {
		return nil, s.failFetch
	}
	var out []MessageRecord
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) CountMessagesSince(_ context.Context, sessionID string, unixSecs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.SessionID == sessionID && m.CreatedAt > unixSecs {
			n++
		}
	}
	return n, nil
}

func (s *memStore) PersistTurn(_ context.Context, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistCalls++
	if s.failPersist != nil {
		return s.failPersist
	}

	add := func(msgType MessageType, content string, calls json.RawMessage) {
		s.messages = append(s.messages, MessageRecord{
			ID:        NewID(),
			SessionID: rec.SessionID,
			Type:      msgType,
			Content:   content,
			ToolCalls: calls,
			Model:     rec.Model,
			AgentName: rec.AgentName,
			CreatedAt: s.next(),
		})
	}

	add(MessageUser, rec.UserText, nil)
	for _, ex := range rec.Exchanges {
		callRef, _ := json.Marshal(map[string]any{"id": ex.ID, "name": ex.Name, "arguments": json.RawMessage(orObj(ex.Args))})
		add(MessageToolCall, "", callRef)
		respRef, _ := json.Marshal(map[string]any{"id": ex.ID, "name": ex.Name, "is_error": ex.IsError})
		add(MessageToolResponse, ex.Result, respRef)
	}
	if !rec.OmitAssistant {
		var calls json.RawMessage
		if len(rec.Exchanges) > 0 {
			env := callEnvelope{}
			for _, ex := range rec.Exchanges {
				env.Calls = append(env.Calls, ToolCall{ID: ex.ID, Name: ex.Name, Args: ex.Args})
			}
			calls, _ = json.Marshal(env)
		}
		s.messages = append(s.messages, MessageRecord{
			ID:           NewID(),
			SessionID:    rec.SessionID,
			Type:         MessageAssistant,
			Content:      rec.AssistantText,
			ToolCalls:    calls,
			InputTokens:  rec.Usage.InputTokens,
			OutputTokens: rec.Usage.OutputTokens,
			LatencyMS:    rec.LatencyMS,
			Model:        rec.Model,
			AgentName:    rec.AgentName,
			CreatedAt:    s.next(),
		})
	}

	if len(rec.Serialized) > 0 {
		sess, ok := s.sessions[rec.SessionID]
		if ok {
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]any)
			}
			sess.Metadata["pai_messages"] = string(rec.Serialized)
			s.sessions[rec.SessionID] = sess
		}
	}
	return nil
}

func (s *memStore) InsertMoment(_ context.Context, m *Moment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *m
	if stored.CreatedAt == 0 {
		stored.CreatedAt = s.next()
	}
	s.moments = append(s.moments, stored)
	return nil
}

func (s *memStore) RecentMoments(_ context.Context, userID, momentType string, limit int) ([]Moment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterMoments(s.moments, func(m Moment) bool {
		return m.UserID == userID && m.MomentType == momentType
	}, limit), nil
}

func (s *memStore) SessionMoments(_ context.Context, sessionID, momentType string, limit int) ([]Moment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterMoments(s.moments, func(m Moment) bool {
		return m.SourceSessionID == sessionID && m.MomentType == momentType
	}, limit), nil
}

func (s *memStore) FetchMetadata(_ context.Context, kind MetadataKind, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case MetadataUser:
		return copyMap(s.users[id]), nil
	case MetadataSession:
		sess, ok := s.sessions[id]
		if !ok {
			return map[string]any{}, nil
		}
		return copyMap(sess.Metadata), nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func (s *memStore) MergeMetadata(_ context.Context, kind MetadataKind, id string, patch map[string]any, removeKeys []string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var target map[string]any
	switch kind {
	case MetadataUser:
		if s.users[id] == nil {
			s.users[id] = make(map[string]any)
		}
		target = s.users[id]
	case MetadataSession:
		sess, ok := s.sessions[id]
		if !ok {
			return nil, ErrSessionNotFound
		}
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any)
			s.sessions[id] = sess
		}
		target = sess.Metadata
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	for k, v := range patch {
		target[k] = v
	}
	for _, k := range removeKeys {
		delete(target, k)
	}
	return copyMap(target), nil
}

// rowsOf returns the session's rows in order.
func (s *memStore) rowsOf(sessionID string) []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MessageRecord
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// rowTypes returns the session's row kinds in order, for compact asserts.
func (s *memStore) rowTypes(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []string
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			kinds = append(kinds, string(m.Type))
		}
	}
	return strings.Join(kinds, ",")
}

func filterMoments(moments []Moment, keep func(Moment) bool, limit int) []Moment {
	var out []Moment
	for _, m := range moments {
		if keep(m) {
			out = append(out, m)
		}
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func orObj(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// --- Tool mocks ---

type echoTool struct{ name string }

func (e echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: e.name, Description: "Echo arguments back"}}
}

func (e echoTool) Execute(_ context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: fmt.Sprintf(`{"status":"success","echo":%s}`, orObj(args))}, nil
}

type failTool struct{ name string }

func (f failTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: f.name, Description: "Always fails"}}
}

func (f failTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

type multiTool struct{}

func (multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read", Description: "Read file"},
		{Name: "write", Description: "Write file"},
	}
}

func (multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "did " + name}, nil
}
