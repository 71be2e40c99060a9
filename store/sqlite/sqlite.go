// Package sqlite implements strand.Store using pure-Go SQLite.
// Zero CGO required; metadata and tool calls are stored as JSON text and
// merged in-process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/strandkit/strand"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements strand.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ strand.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agent_schemas (
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			document TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (name, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS moments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			moment_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			topic_tags TEXT,
			emotion_tags TEXT,
			graph_edges TEXT,
			source_session_id TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			metadata TEXT,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return &strand.StoreError{Op: "init", Err: err}
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- Schemas ---

func (s *Store) FetchSchema(ctx context.Context, name, kind string) (*strand.SchemaRecord, error) {
	var rec strand.SchemaRecord
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, kind, document, updated_at FROM agent_schemas WHERE name = ? AND kind = ?`,
		name, kind).Scan(&rec.Name, &rec.Kind, &doc, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch schema", Err: err}
	}
	rec.Document = []byte(doc)
	return &rec, nil
}

func (s *Store) UpsertSchema(ctx context.Context, rec strand.SchemaRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_schemas (name, kind, document, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name, kind) DO UPDATE SET
		   document = excluded.document,
		   updated_at = excluded.updated_at`,
		rec.Name, rec.Kind, string(rec.Document), rec.UpdatedAt)
	if err != nil {
		return &strand.StoreError{Op: "upsert schema", Err: err}
	}
	return nil
}

// --- Sessions ---

func (s *Store) FetchSession(ctx context.Context, id string) (*strand.Session, error) {
	var sess strand.Session
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, agent_name, mode, user_id, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Name, &sess.AgentName, &sess.Mode, &sess.UserID, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch session", Err: err}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, &strand.StoreError{Op: "fetch session", Err: fmt.Errorf("metadata: %w", err)}
		}
	}
	return &sess, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess *strand.Session) error {
	meta, err := jsonOrNull(sess.Metadata)
	if err != nil {
		return &strand.StoreError{Op: "upsert session", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, agent_name, mode, user_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   agent_name = excluded.agent_name,
		   mode = excluded.mode,
		   user_id = excluded.user_id,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		sess.ID, sess.Name, sess.AgentName, sess.Mode, sess.UserID, meta, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return &strand.StoreError{Op: "upsert session", Err: err}
	}
	return nil
}

// --- Messages ---

func (s *Store) FetchMessages(ctx context.Context, sessionID string, tokenBudget int) ([]strand.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message_type, content, tool_calls,
		        input_tokens, output_tokens, latency_ms, model, agent_name, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch messages", Err: err}
	}
	defer rows.Close()

	var records []strand.MessageRecord
	for rows.Next() {
		var m strand.MessageRecord
		var calls sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &calls,
			&m.InputTokens, &m.OutputTokens, &m.LatencyMS, &m.Model, &m.AgentName, &m.CreatedAt); err != nil {
			return nil, &strand.StoreError{Op: "scan message", Err: err}
		}
		if calls.Valid {
			m.ToolCalls = []byte(calls.String)
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &strand.StoreError{Op: "iterate messages", Err: err}
	}
	return cutToBudget(records, tokenBudget), nil
}

// cutToBudget drops oldest records until the estimated token total fits.
func cutToBudget(records []strand.MessageRecord, budget int) []strand.MessageRecord {
	if budget <= 0 {
		return records
	}
	total := 0
	cut := len(records)
	for i := len(records) - 1; i >= 0; i-- {
		total += (len(records[i].Content) + 3) / 4
		if total > budget {
			break
		}
		cut = i
	}
	return records[cut:]
}

func (s *Store) CountMessagesSince(ctx context.Context, sessionID string, unixSecs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND created_at > ?`,
		sessionID, unixSecs).Scan(&n)
	if err != nil {
		return 0, &strand.StoreError{Op: "count messages", Err: err}
	}
	return n, nil
}

// --- Turn persistence ---

// PersistTurn writes a whole turn in one transaction: user row, tool pairs
// in call order, at most one assistant row, and the serialized transcript
// into session metadata.
func (s *Store) PersistTurn(ctx context.Context, rec strand.TurnRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &strand.StoreError{Op: "begin turn", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	now := strand.NowUnix()
	insert := func(msgType strand.MessageType, content string, calls any, usage strand.Usage, latency int64) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, message_type, content, tool_calls,
			                       input_tokens, output_tokens, latency_ms, model, agent_name, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			strand.NewID(), rec.SessionID, string(msgType), content, calls,
			usage.InputTokens, usage.OutputTokens, latency, rec.Model, rec.AgentName, now)
		return err
	}

	if err := insert(strand.MessageUser, rec.UserText, nil, strand.Usage{}, 0); err != nil {
		return &strand.StoreError{Op: "persist user row", Err: err}
	}

	for _, ex := range rec.Exchanges {
		callRef, err := json.Marshal(map[string]any{
			"id":        ex.ID,
			"name":      ex.Name,
			"arguments": json.RawMessage(orEmptyObject(ex.Args)),
		})
		if err != nil {
			return &strand.StoreError{Op: "encode tool call", Err: err}
		}
		if err := insert(strand.MessageToolCall, "", string(callRef), strand.Usage{}, 0); err != nil {
			return &strand.StoreError{Op: "persist tool call", Err: err}
		}
		respRef, err := json.Marshal(map[string]any{"id": ex.ID, "name": ex.Name, "is_error": ex.IsError})
		if err != nil {
			return &strand.StoreError{Op: "encode tool response", Err: err}
		}
		if err := insert(strand.MessageToolResponse, ex.Result, string(respRef), strand.Usage{}, 0); err != nil {
			return &strand.StoreError{Op: "persist tool response", Err: err}
		}
	}

	if !rec.OmitAssistant {
		var calls any
		if len(rec.Exchanges) > 0 {
			env := struct {
				Calls []strand.ToolCall `json:"calls"`
			}{}
			for _, ex := range rec.Exchanges {
				env.Calls = append(env.Calls, strand.ToolCall{ID: ex.ID, Name: ex.Name, Args: ex.Args})
			}
			data, err := json.Marshal(env)
			if err != nil {
				return &strand.StoreError{Op: "encode assistant calls", Err: err}
			}
			calls = string(data)
		}
		if err := insert(strand.MessageAssistant, rec.AssistantText, calls, rec.Usage, rec.LatencyMS); err != nil {
			return &strand.StoreError{Op: "persist assistant row", Err: err}
		}
	}

	if len(rec.Serialized) > 0 {
		if err := s.mergeSessionMetadataTx(ctx, tx, rec.SessionID,
			map[string]any{"pai_messages": string(rec.Serialized)}, nil, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &strand.StoreError{Op: "commit turn", Err: err}
	}
	return nil
}

// mergeSessionMetadataTx reads, merges, and writes session metadata inside
// the given transaction. SQLite serializes writers through one connection,
// so the read-modify-write is safe.
func (s *Store) mergeSessionMetadataTx(ctx context.Context, tx *sql.Tx, id string, patch map[string]any, removeKeys []string, now int64) error {
	var meta sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&meta)
	if err == sql.ErrNoRows {
		return &strand.StoreError{Op: "merge metadata", Err: fmt.Errorf("%w: %s", strand.ErrSessionNotFound, id)}
	}
	if err != nil {
		return &strand.StoreError{Op: "merge metadata", Err: err}
	}
	merged := mergeMaps(meta, patch, removeKeys)
	data, err := json.Marshal(merged)
	if err != nil {
		return &strand.StoreError{Op: "merge metadata", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`, string(data), now, id); err != nil {
		return &strand.StoreError{Op: "merge metadata", Err: err}
	}
	return nil
}

// --- Moments ---

func (s *Store) InsertMoment(ctx context.Context, m *strand.Moment) error {
	topics, err := jsonOrNull(m.TopicTags)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	emotions, err := jsonOrNull(m.EmotionTags)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	edges, err := jsonOrNull(m.GraphEdges)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	meta, err := jsonOrNull(m.Metadata)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO moments (id, user_id, moment_type, summary, topic_tags, emotion_tags,
		                      graph_edges, source_session_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.MomentType, m.Summary, topics, emotions, edges,
		m.SourceSessionID, meta, m.CreatedAt)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	return nil
}

func (s *Store) RecentMoments(ctx context.Context, userID, momentType string, limit int) ([]strand.Moment, error) {
	return s.queryMoments(ctx,
		`SELECT id, user_id, moment_type, summary, topic_tags, emotion_tags,
		        graph_edges, source_session_id, metadata, created_at
		 FROM moments
		 WHERE user_id = ? AND moment_type = ?
		 ORDER BY created_at DESC LIMIT ?`, userID, momentType, limit)
}

func (s *Store) SessionMoments(ctx context.Context, sessionID, momentType string, limit int) ([]strand.Moment, error) {
	return s.queryMoments(ctx,
		`SELECT id, user_id, moment_type, summary, topic_tags, emotion_tags,
		        graph_edges, source_session_id, metadata, created_at
		 FROM moments
		 WHERE source_session_id = ? AND moment_type = ?
		 ORDER BY created_at DESC LIMIT ?`, sessionID, momentType, limit)
}

func (s *Store) queryMoments(ctx context.Context, query string, args ...any) ([]strand.Moment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &strand.StoreError{Op: "query moments", Err: err}
	}
	defer rows.Close()

	var moments []strand.Moment
	for rows.Next() {
		var m strand.Moment
		var topics, emotions, edges, meta sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.MomentType, &m.Summary, &topics, &emotions,
			&edges, &m.SourceSessionID, &meta, &m.CreatedAt); err != nil {
			return nil, &strand.StoreError{Op: "scan moment", Err: err}
		}
		unmarshalIf(topics, &m.TopicTags)
		unmarshalIf(emotions, &m.EmotionTags)
		unmarshalIf(edges, &m.GraphEdges)
		unmarshalIf(meta, &m.Metadata)
		moments = append(moments, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &strand.StoreError{Op: "iterate moments", Err: err}
	}
	return moments, nil
}

// --- Metadata ---

func (s *Store) FetchMetadata(ctx context.Context, kind strand.MetadataKind, id string) (map[string]any, error) {
	table, err := metadataTable(kind)
	if err != nil {
		return nil, err
	}
	var meta sql.NullString
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT metadata FROM %s WHERE id = ?`, table), id).Scan(&meta)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch metadata", Err: err}
	}
	out := map[string]any{}
	unmarshalIf(meta, &out)
	return out, nil
}

func (s *Store) MergeMetadata(ctx context.Context, kind strand.MetadataKind, id string, patch map[string]any, removeKeys []string) (map[string]any, error) {
	table, err := metadataTable(kind)
	if err != nil {
		return nil, err
	}
	now := strand.NowUnix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if kind == strand.MetadataUser {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, metadata, updated_at) VALUES (?, '{}', ?)
			 ON CONFLICT (id) DO NOTHING`, id, now); err != nil {
			return nil, &strand.StoreError{Op: "merge metadata", Err: err}
		}
	}

	var meta sql.NullString
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT metadata FROM %s WHERE id = ?`, table), id).Scan(&meta)
	if err == sql.ErrNoRows {
		missing := fmt.Errorf("%s %s not found", kind, id)
		if kind == "session" {
			missing = fmt.Errorf("%w: %s", strand.ErrSessionNotFound, id)
		}
		return nil, &strand.StoreError{Op: "merge metadata", Err: missing}
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}

	merged := mergeMaps(meta, patch, removeKeys)
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET metadata = ?, updated_at = ? WHERE id = ?`, table),
		string(data), now, id); err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}
	return merged, nil
}

func metadataTable(kind strand.MetadataKind) (string, error) {
	switch kind {
	case strand.MetadataUser:
		return "users", nil
	case strand.MetadataSession:
		return "sessions", nil
	default:
		return "", &strand.StoreError{Op: "metadata", Err: fmt.Errorf("unknown kind %q", kind)}
	}
}

// --- helpers ---

func mergeMaps(existing sql.NullString, patch map[string]any, removeKeys []string) map[string]any {
	merged := map[string]any{}
	if existing.Valid && existing.String != "" {
		_ = json.Unmarshal([]byte(existing.String), &merged)
	}
	for k, v := range patch {
		merged[k] = v
	}
	for _, k := range removeKeys {
		delete(merged, k)
	}
	return merged
}

func jsonOrNull(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case []strand.GraphEdge:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalIf(data sql.NullString, v any) {
	if data.Valid && data.String != "" {
		_ = json.Unmarshal([]byte(data.String), v)
	}
}

func orEmptyObject(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
