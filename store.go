package strand

import (
	"context"
	"encoding/json"
)

// MetadataKind selects which metadata document a merge targets.
type MetadataKind string

const (
	MetadataUser    MetadataKind = "user"
	MetadataSession MetadataKind = "session"
)

// SchemaRecord is a stored agent document plus bookkeeping.
type SchemaRecord struct {
	Name      string
	Kind      string // "agent" or "output"
	Document  json.RawMessage
	UpdatedAt int64
}

// ToolExchange is one completed tool call within a turn: the request row and
// its paired response row.
type ToolExchange struct {
	ID      string
	Name    string
	Args    json.RawMessage
	Result  string
	IsError bool
}

// TurnRecord is everything one turn persists, written in a single
// transaction: the user row, tool pair rows in call order, and at most one
// assistant row, plus the serialized transcript for fast replay.
type TurnRecord struct {
	SessionID     string
	AgentName     string
	Model         string
	UserText      string
	AssistantText string
	OmitAssistant bool // cancelled before any output: write no assistant row
	Exchanges     []ToolExchange
	Usage         Usage
	LatencyMS     int64
	Serialized    json.RawMessage // stored under session metadata "pai_messages"
}

// Store is the persistence boundary. Fetch methods return (nil, nil) on a
// miss; errors are wrapped in *StoreError by implementations.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	FetchSchema(ctx context.Context, name, kind string) (*SchemaRecord, error)
	UpsertSchema(ctx context.Context, rec SchemaRecord) error

	FetchSession(ctx context.Context, id string) (*Session, error)
	UpsertSession(ctx context.Context, sess *Session) error

	// FetchMessages returns replayable rows oldest-first, newest rows kept
	// when tokenBudget (0 = unlimited) forces a cut.
	FetchMessages(ctx context.Context, sessionID string, tokenBudget int) ([]MessageRecord, error)
	CountMessagesSince(ctx context.Context, sessionID string, unixSecs int64) (int, error)

	PersistTurn(ctx context.Context, rec TurnRecord) error

	InsertMoment(ctx context.Context, m *Moment) error
	RecentMoments(ctx context.Context, userID, momentType string, limit int) ([]Moment, error)
	SessionMoments(ctx context.Context, sessionID, momentType string, limit int) ([]Moment, error)

	FetchMetadata(ctx context.Context, kind MetadataKind, id string) (map[string]any, error)
	// MergeMetadata shallow-merges patch into the target document, deletes
	// removeKeys, and returns the resulting document.
	MergeMetadata(ctx context.Context, kind MetadataKind, id string, patch map[string]any, removeKeys []string) (map[string]any, error)
}
