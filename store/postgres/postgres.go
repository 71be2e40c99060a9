// Package postgres implements strand.Store using PostgreSQL. Turn
// persistence is transactional and metadata merges run server-side on
// jsonb, so concurrent writers never lose keys.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandkit/strand"
)

// Store implements strand.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ strand.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_schemas (
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			document JSONB NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (name, kind)
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS moments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			moment_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			topic_tags JSONB,
			emotion_tags JSONB,
			graph_edges JSONB,
			source_session_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS moments_user_idx ON moments(user_id, moment_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS moments_session_idx ON moments(source_session_id, moment_type, created_at)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			metadata JSONB,
			updated_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &strand.StoreError{Op: "init", Err: err}
		}
	}
	return nil
}

// Close is a no-op; the pool is caller-owned.
func (s *Store) Close() error { return nil }

// --- Schemas ---

func (s *Store) FetchSchema(ctx context.Context, name, kind string) (*strand.SchemaRecord, error) {
	var rec strand.SchemaRecord
	err := s.pool.QueryRow(ctx,
		`SELECT name, kind, document, updated_at FROM agent_schemas WHERE name = $1 AND kind = $2`,
		name, kind).Scan(&rec.Name, &rec.Kind, &rec.Document, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch schema", Err: err}
	}
	return &rec, nil
}

func (s *Store) UpsertSchema(ctx context.Context, rec strand.SchemaRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_schemas (name, kind, document, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (name, kind) DO UPDATE SET
		   document = EXCLUDED.document,
		   updated_at = EXCLUDED.updated_at`,
		rec.Name, rec.Kind, string(rec.Document), rec.UpdatedAt)
	if err != nil {
		return &strand.StoreError{Op: "upsert schema", Err: err}
	}
	return nil
}

// --- Sessions ---

func (s *Store) FetchSession(ctx context.Context, id string) (*strand.Session, error) {
	var sess strand.Session
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, agent_name, mode, user_id, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Name, &sess.AgentName, &sess.Mode, &sess.UserID, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch session", Err: err}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, &strand.StoreError{Op: "fetch session", Err: fmt.Errorf("metadata: %w", err)}
		}
	}
	return &sess, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess *strand.Session) error {
	meta, err := marshalOrNil(sess.Metadata)
	if err != nil {
		return &strand.StoreError{Op: "upsert session", Err: err}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, agent_name, mode, user_id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   agent_name = EXCLUDED.agent_name,
		   mode = EXCLUDED.mode,
		   user_id = EXCLUDED.user_id,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.Name, sess.AgentName, sess.Mode, sess.UserID, meta, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return &strand.StoreError{Op: "upsert session", Err: err}
	}
	return nil
}

// --- Messages ---

// FetchMessages returns a session's rows chronologically (oldest first).
// With a token budget, newest rows are kept and older ones cut using a
// bytes/4 estimate.
func (s *Store) FetchMessages(ctx context.Context, sessionID string, tokenBudget int) ([]strand.MessageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, message_type, content, tool_calls,
		        input_tokens, output_tokens, latency_ms, model, agent_name, created_at
		 FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch messages", Err: err}
	}
	defer rows.Close()

	var records []strand.MessageRecord
	for rows.Next() {
		var m strand.MessageRecord
		var calls []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &calls,
			&m.InputTokens, &m.OutputTokens, &m.LatencyMS, &m.Model, &m.AgentName, &m.CreatedAt); err != nil {
			return nil, &strand.StoreError{Op: "scan message", Err: err}
		}
		m.ToolCalls = calls
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
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1 AND created_at > $2`,
		sessionID, unixSecs).Scan(&n)
	if err != nil {
		return 0, &strand.StoreError{Op: "count messages", Err: err}
	}
	return n, nil
}

// --- Turn persistence ---

// PersistTurn writes a whole turn in one transaction: the user row, each
// tool exchange as a tool_call / tool_response pair in call order, at most
// one assistant row, and the serialized transcript into session metadata.
func (s *Store) PersistTurn(ctx context.Context, rec strand.TurnRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &strand.StoreError{Op: "begin turn", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := strand.NowUnix()
	insert := func(msgType strand.MessageType, content string, calls []byte, usage strand.Usage, latency int64) error {
		// created_at is second-resolution; the UUIDv7 id breaks ties so
		// ORDER BY (created_at, id) preserves intra-turn order.
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, message_type, content, tool_calls,
			                       input_tokens, output_tokens, latency_ms, model, agent_name, created_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11)`,
			strand.NewID(), rec.SessionID, string(msgType), content, nullableJSON(calls),
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
		if err := insert(strand.MessageToolCall, "", callRef, strand.Usage{}, 0); err != nil {
			return &strand.StoreError{Op: "persist tool call", Err: err}
		}
		respRef, err := json.Marshal(map[string]any{"id": ex.ID, "name": ex.Name, "is_error": ex.IsError})
		if err != nil {
			return &strand.StoreError{Op: "encode tool response", Err: err}
		}
		if err := insert(strand.MessageToolResponse, ex.Result, respRef, strand.Usage{}, 0); err != nil {
			return &strand.StoreError{Op: "persist tool response", Err: err}
		}
	}

	if !rec.OmitAssistant {
		var calls []byte
		if len(rec.Exchanges) > 0 {
			env := struct {
				Calls []strand.ToolCall `json:"calls"`
			}{}
			for _, ex := range rec.Exchanges {
				env.Calls = append(env.Calls, strand.ToolCall{ID: ex.ID, Name: ex.Name, Args: ex.Args})
			}
			calls, err = json.Marshal(env)
			if err != nil {
				return &strand.StoreError{Op: "encode assistant calls", Err: err}
			}
		}
		if err := insert(strand.MessageAssistant, rec.AssistantText, calls, rec.Usage, rec.LatencyMS); err != nil {
			return &strand.StoreError{Op: "persist assistant row", Err: err}
		}
	}

	if len(rec.Serialized) > 0 {
		blob, err := json.Marshal(string(rec.Serialized))
		if err != nil {
			return &strand.StoreError{Op: "encode transcript", Err: err}
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions
			 SET metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('pai_messages', $2::jsonb),
			     updated_at = $3
			 WHERE id = $1`,
			rec.SessionID, string(blob), now)
		if err != nil {
			return &strand.StoreError{Op: "persist transcript", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &strand.StoreError{Op: "commit turn", Err: err}
	}
	return nil
}

// --- Moments ---

func (s *Store) InsertMoment(ctx context.Context, m *strand.Moment) error {
	topics, err := marshalOrNil(m.TopicTags)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	emotions, err := marshalOrNil(m.EmotionTags)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	edges, err := marshalOrNil(m.GraphEdges)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	meta, err := marshalOrNil(m.Metadata)
	if err != nil {
		return &strand.StoreError{Op: "insert moment", Err: err}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO moments (id, user_id, moment_type, summary, topic_tags, emotion_tags,
		                      graph_edges, source_session_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9::jsonb, $10)`,
		m.ID, m.UserID, m.MomentType, m.Summary, topics, emotions, edges, m.SourceSessionID, meta, m.CreatedAt)
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
		 WHERE user_id = $1 AND moment_type = $2
		 ORDER BY created_at DESC LIMIT $3`, userID, momentType, limit)
}

func (s *Store) SessionMoments(ctx context.Context, sessionID, momentType string, limit int) ([]strand.Moment, error) {
	return s.queryMoments(ctx,
		`SELECT id, user_id, moment_type, summary, topic_tags, emotion_tags,
		        graph_edges, source_session_id, metadata, created_at
		 FROM moments
		 WHERE source_session_id = $1 AND moment_type = $2
		 ORDER BY created_at DESC LIMIT $3`, sessionID, momentType, limit)
}

func (s *Store) queryMoments(ctx context.Context, query string, args ...any) ([]strand.Moment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &strand.StoreError{Op: "query moments", Err: err}
	}
	defer rows.Close()

	var moments []strand.Moment
	for rows.Next() {
		var m strand.Moment
		var topics, emotions, edges, meta []byte
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
	var meta []byte
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT metadata FROM %s WHERE id = $1`, table), id).Scan(&meta)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "fetch metadata", Err: err}
	}
	out := map[string]any{}
	unmarshalIf(meta, &out)
	return out, nil
}

// MergeMetadata applies the patch and key removals server-side on jsonb and
// returns the resulting document. The user row is created on first touch.
func (s *Store) MergeMetadata(ctx context.Context, kind strand.MetadataKind, id string, patch map[string]any, removeKeys []string) (map[string]any, error) {
	table, err := metadataTable(kind)
	if err != nil {
		return nil, err
	}
	patchJSON, err := marshalOrNil(patch)
	if err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}
	if patchJSON == nil {
		empty := "{}"
		patchJSON = &empty
	}

	if kind == strand.MetadataUser {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO users (id, metadata, updated_at) VALUES ($1, '{}'::jsonb, $2)
			 ON CONFLICT (id) DO NOTHING`, id, strand.NowUnix())
		if err != nil {
			return nil, &strand.StoreError{Op: "merge metadata", Err: err}
		}
	}

	var result []byte
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET metadata = (COALESCE(metadata, '{}'::jsonb) || $2::jsonb) - $3::text[],
		     updated_at = $4
		 WHERE id = $1
		 RETURNING metadata`, table),
		id, *patchJSON, removeKeysOrEmpty(removeKeys), strand.NowUnix()).Scan(&result)
	if err == pgx.ErrNoRows {
		missing := fmt.Errorf("%s %s not found", kind, id)
		if kind == "session" {
			missing = fmt.Errorf("%w: %s", strand.ErrSessionNotFound, id)
		}
		return nil, &strand.StoreError{Op: "merge metadata", Err: missing}
	}
	if err != nil {
		return nil, &strand.StoreError{Op: "merge metadata", Err: err}
	}
	out := map[string]any{}
	unmarshalIf(result, &out)
	return out, nil
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

func marshalOrNil(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
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
	s := string(data)
	return &s, nil
}

func nullableJSON(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func orEmptyObject(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func unmarshalIf(data []byte, v any) {
	if len(data) > 0 {
		_ = json.Unmarshal(data, v)
	}
}

func removeKeysOrEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
