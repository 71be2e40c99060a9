package profile

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/strandkit/strand"
)

// nopStore satisfies strand.Store with no-ops; tests embed it and override
// what they need.
type nopStore struct{}

func (nopStore) Init(context.Context) error { return nil }
func (nopStore) Close() error               { return nil }
func (nopStore) FetchSchema(context.Context, string, string) (*strand.SchemaRecord, error) {
	return nil, nil
}
func (nopStore) UpsertSchema(context.Context, strand.SchemaRecord) error { return nil }
func (nopStore) FetchSession(context.Context, string) (*strand.Session, error) {
	return nil, nil
}
func (nopStore) UpsertSession(context.Context, *strand.Session) error { return nil }
func (nopStore) FetchMessages(context.Context, string, int) ([]strand.MessageRecord, error) {
	return nil, nil
}
func (nopStore) CountMessagesSince(context.Context, string, int64) (int, error) { return 0, nil }
func (nopStore) PersistTurn(context.Context, strand.TurnRecord) error           { return nil }
func (nopStore) InsertMoment(context.Context, *strand.Moment) error             { return nil }
func (nopStore) RecentMoments(context.Context, string, string, int) ([]strand.Moment, error) {
	return nil, nil
}
func (nopStore) SessionMoments(context.Context, string, string, int) ([]strand.Moment, error) {
	return nil, nil
}
func (nopStore) FetchMetadata(context.Context, strand.MetadataKind, string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (nopStore) MergeMetadata(context.Context, strand.MetadataKind, string, map[string]any, []string) (map[string]any, error) {
	return map[string]any{}, nil
}

// metaStore keeps per-user metadata in memory.
type metaStore struct {
	nopStore
	users map[string]map[string]any
}

func newMetaStore() *metaStore {
	return &metaStore{users: make(map[string]map[string]any)}
}

func (s *metaStore) FetchMetadata(_ context.Context, kind strand.MetadataKind, id string) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range s.users[id] {
		out[k] = v
	}
	return out, nil
}

func (s *metaStore) MergeMetadata(_ context.Context, kind strand.MetadataKind, id string, patch map[string]any, removeKeys []string) (map[string]any, error) {
	if s.users[id] == nil {
		s.users[id] = make(map[string]any)
	}
	for k, v := range patch {
		s.users[id][k] = v
	}
	for _, k := range removeKeys {
		delete(s.users[id], k)
	}
	return s.FetchMetadata(context.Background(), kind, id)
}

func userCtx(userID string) context.Context {
	return strand.WithToolContext(context.Background(), strand.ToolContext{UserID: userID, SessionID: "s1"})
}

func exec(t *testing.T, tool *Tool, ctx context.Context, args string) strand.ToolResult {
	t.Helper()
	tr, err := tool.Execute(ctx, "user_profile", json.RawMessage(args))
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestProfileUpdateAndGet(t *testing.T) {
	store := newMetaStore()
	tool := New(store)
	ctx := userCtx("u1")

	tr := exec(t, tool, ctx, `{"action":"update","merge":{"name":"Sam","city":"Lisbon"}}`)
	if tr.Error != "" {
		t.Fatalf("update: %s", tr.Error)
	}

	tr = exec(t, tool, ctx, `{"action":"get"}`)
	var out struct {
		Status  string         `json:"status"`
		Profile map[string]any `json:"profile"`
	}
	if err := json.Unmarshal([]byte(tr.Content), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "success" || out.Profile["city"] != "Lisbon" {
		t.Errorf("got %+v", out)
	}
}

func TestProfileRemoveKeys(t *testing.T) {
	store := newMetaStore()
	store.users["u1"] = map[string]any{"name": "Sam", "stale": "old"}
	tool := New(store)

	tr := exec(t, tool, userCtx("u1"), `{"action":"update","remove_keys":["stale"]}`)
	if tr.Error != "" {
		t.Fatalf("update: %s", tr.Error)
	}
	if _, ok := store.users["u1"]["stale"]; ok {
		t.Error("key not removed")
	}
	if store.users["u1"]["name"] != "Sam" {
		t.Error("unrelated key lost")
	}
}

func TestProfileSharedAcrossSessions(t *testing.T) {
	store := newMetaStore()
	tool := New(store)

	ctxA := strand.WithToolContext(context.Background(), strand.ToolContext{UserID: "u1", SessionID: "session-a"})
	ctxB := strand.WithToolContext(context.Background(), strand.ToolContext{UserID: "u1", SessionID: "session-b"})

	exec(t, tool, ctxA, `{"action":"update","merge":{"language":"pt"}}`)
	tr := exec(t, tool, ctxB, `{"action":"get"}`)
	if !strings.Contains(tr.Content, `"language":"pt"`) {
		t.Errorf("profile not shared: %s", tr.Content)
	}
}

func TestProfileRequiresUser(t *testing.T) {
	tool := New(newMetaStore())
	tr := exec(t, tool, context.Background(), `{"action":"get"}`)
	if !strings.Contains(tr.Error, "no user in scope") {
		t.Errorf("got %+v", tr)
	}
}

func TestProfileRejectsEmptyUpdate(t *testing.T) {
	tool := New(newMetaStore())
	tr := exec(t, tool, userCtx("u1"), `{"action":"update"}`)
	if tr.Error == "" {
		t.Errorf("empty update must be rejected: %+v", tr)
	}
}

func TestProfileUnknownAction(t *testing.T) {
	tool := New(newMetaStore())
	tr := exec(t, tool, userCtx("u1"), `{"action":"delete"}`)
	if !strings.Contains(tr.Error, "unknown action") {
		t.Errorf("got %+v", tr)
	}
}
