package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/strandkit/strand"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "strand.db"))
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSchemaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := strand.SchemaRecord{
		Name:      "general",
		Kind:      "agent",
		Document:  json.RawMessage(`{"name":"general","model":"m"}`),
		UpdatedAt: strand.NowUnix(),
	}
	if err := s.UpsertSchema(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.FetchSchema(ctx, "general", "agent")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "general" || string(got.Document) != string(rec.Document) {
		t.Errorf("got %+v", got)
	}

	// Upsert replaces.
	rec.Document = json.RawMessage(`{"name":"general","model":"m2"}`)
	if err := s.UpsertSchema(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FetchSchema(ctx, "general", "agent")
	if got == nil || string(got.Document) != string(rec.Document) {
		t.Errorf("upsert did not replace: %+v", got)
	}

	miss, err := s.FetchSchema(ctx, "ghost", "agent")
	if err != nil || miss != nil {
		t.Errorf("miss should be (nil, nil): %+v %v", miss, err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &strand.Session{
		ID:        "s1",
		Name:      "Trip planning",
		AgentName: "general",
		Mode:      "chat",
		UserID:    "u1",
		Metadata:  map[string]any{"topic": "travel"},
		CreatedAt: 100,
		UpdatedAt: 100,
	}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.FetchSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Trip planning" || got.Metadata["topic"] != "travel" {
		t.Errorf("got %+v", got)
	}

	miss, err := s.FetchSession(ctx, "nope")
	if err != nil || miss != nil {
		t.Errorf("miss should be (nil, nil): %+v %v", miss, err)
	}
}

func TestPersistTurnRowShapes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertSession(ctx, &strand.Session{ID: "s1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	rec := strand.TurnRecord{
		SessionID:     "s1",
		AgentName:     "general",
		Model:         "m",
		UserText:      "look this up",
		AssistantText: "found it",
		Exchanges: []strand.ToolExchange{{
			ID:     "c1",
			Name:   "search",
			Args:   json.RawMessage(`{"q":"go"}`),
			Result: `{"hits":3}`,
		}},
		Usage:      strand.Usage{InputTokens: 20, OutputTokens: 5},
		LatencyMS:  120,
		Serialized: json.RawMessage(`[{"role":"user","content":"look this up"}]`),
	}
	if err := s.PersistTurn(ctx, rec); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.FetchMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("rows: %d", len(msgs))
	}
	wantTypes := []strand.MessageType{
		strand.MessageUser,
		strand.MessageToolCall,
		strand.MessageToolResponse,
		strand.MessageAssistant,
	}
	for i, want := range wantTypes {
		if msgs[i].Type != want {
			t.Errorf("row %d: %s, want %s", i, msgs[i].Type, want)
		}
	}

	var call struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msgs[1].ToolCalls, &call); err != nil {
		t.Fatal(err)
	}
	if call.ID != "c1" || call.Name != "search" || string(call.Arguments) != `{"q":"go"}` {
		t.Errorf("tool call ref: %+v", call)
	}

	var resp struct {
		ID      string `json:"id"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(msgs[2].ToolCalls, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "c1" || resp.IsError || msgs[2].Content != `{"hits":3}` {
		t.Errorf("tool response: %+v content %q", resp, msgs[2].Content)
	}

	var env struct {
		Calls []strand.ToolCall `json:"calls"`
	}
	if err := json.Unmarshal(msgs[3].ToolCalls, &env); err != nil {
		t.Fatal(err)
	}
	if len(env.Calls) != 1 || env.Calls[0].Name != "search" {
		t.Errorf("assistant envelope: %+v", env)
	}
	if msgs[3].InputTokens != 20 || msgs[3].LatencyMS != 120 {
		t.Errorf("usage columns: %+v", msgs[3])
	}

	// Transcript merged into session metadata without clobbering other keys.
	sess, err := s.FetchSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Metadata["pai_messages"] != string(rec.Serialized) {
		t.Errorf("pai_messages: %v", sess.Metadata["pai_messages"])
	}
}

func TestPersistTurnOmitAssistant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertSession(ctx, &strand.Session{ID: "s1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	rec := strand.TurnRecord{SessionID: "s1", UserText: "hi", OmitAssistant: true}
	if err := s.PersistTurn(ctx, rec); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.FetchMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Type != strand.MessageUser {
		t.Errorf("rows: %+v", msgs)
	}
}

func TestCountMessagesSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertSession(ctx, &strand.Session{ID: "s1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistTurn(ctx, strand.TurnRecord{SessionID: "s1", UserText: "a", AssistantText: "b"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountMessagesSince(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count: %d", n)
	}
	n, err = s.CountMessagesSince(ctx, "s1", strand.NowUnix()+10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count after cutoff: %d", n)
	}
}

func TestMomentsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &strand.Moment{
		ID:              strand.NewID(),
		UserID:          "u1",
		MomentType:      strand.MomentSessionChunk,
		Summary:         "planned a trip",
		TopicTags:       []string{"travel"},
		GraphEdges:      []strand.GraphEdge{{Target: "lisbon", Relation: "destination", Weight: 0.9}},
		SourceSessionID: "s1",
		CreatedAt:       100,
	}
	if err := s.InsertMoment(ctx, m); err != nil {
		t.Fatal(err)
	}
	later := &strand.Moment{
		ID: strand.NewID(), UserID: "u1", MomentType: strand.MomentSessionChunk,
		Summary: "booked flights", SourceSessionID: "s1", CreatedAt: 200,
	}
	if err := s.InsertMoment(ctx, later); err != nil {
		t.Fatal(err)
	}

	bySession, err := s.SessionMoments(ctx, "s1", strand.MomentSessionChunk, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 2 || bySession[0].Summary != "booked flights" {
		t.Errorf("newest first expected: %+v", bySession)
	}
	if len(bySession[1].GraphEdges) != 1 || bySession[1].GraphEdges[0].Target != "lisbon" {
		t.Errorf("edges: %+v", bySession[1].GraphEdges)
	}

	byUser, err := s.RecentMoments(ctx, "u1", strand.MomentSessionChunk, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 1 || byUser[0].Summary != "booked flights" {
		t.Errorf("limit/order: %+v", byUser)
	}
}

func TestMergeMetadataUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// First touch creates the user row.
	got, err := s.MergeMetadata(ctx, strand.MetadataUser, "u1", map[string]any{"name": "Sam"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["name"] != "Sam" {
		t.Errorf("got %+v", got)
	}

	got, err = s.MergeMetadata(ctx, strand.MetadataUser, "u1", map[string]any{"city": "Lisbon"}, []string{"name"})
	if err != nil {
		t.Fatal(err)
	}
	if got["city"] != "Lisbon" {
		t.Errorf("patch lost: %+v", got)
	}
	if _, ok := got["name"]; ok {
		t.Errorf("removed key survived: %+v", got)
	}

	fetched, err := s.FetchMetadata(ctx, strand.MetadataUser, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if fetched["city"] != "Lisbon" {
		t.Errorf("fetched: %+v", fetched)
	}
}

func TestMergeMetadataSessionRequiresRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.MergeMetadata(ctx, strand.MetadataSession, "missing", map[string]any{"k": "v"}, nil)
	if !errors.Is(err, strand.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := s.UpsertSession(ctx, &strand.Session{ID: "s1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := s.MergeMetadata(ctx, strand.MetadataSession, "s1", map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got["k"] != "v" {
		t.Errorf("got %+v", got)
	}
}

func TestFetchMessagesTokenBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertSession(ctx, &strand.Session{ID: "s1", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	if err := s.PersistTurn(ctx, strand.TurnRecord{SessionID: "s1", UserText: string(long), AssistantText: string(long)}); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistTurn(ctx, strand.TurnRecord{SessionID: "s1", UserText: "short", AssistantText: "reply"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.FetchMessages(ctx, "s1", 110)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 4 {
		t.Fatal("budget did not trim")
	}
	if msgs[len(msgs)-1].Content != "reply" {
		t.Errorf("newest row lost: %+v", msgs)
	}
}
