package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// metadataKeyHistory is the session metadata key holding the serialized
// transcript written after each turn. Its presence enables the fast replay
// path; it is never shown to the model.
const metadataKeyHistory = "pai_messages"

const defaultRecentMoments = 3

// HistoryCodec turns persisted session state back into model messages.
//
// Load prefers the serialized transcript stored in session metadata: it is
// lossless (reasoning blocks, provider metadata) and costs one decode.
// When the blob is absent or unreadable it falls back to reconstructing the
// conversation from message rows.
type HistoryCodec struct {
	store      Store
	counter    *TokenCounter
	maxMoments int
	logger     *slog.Logger
}

// NewHistoryCodec builds a codec. counter may be nil (heuristic counting).
func NewHistoryCodec(store Store, counter *TokenCounter, logger *slog.Logger) *HistoryCodec {
	if logger == nil {
		logger = nopLogger
	}
	return &HistoryCodec{store: store, counter: counter, maxMoments: defaultRecentMoments, logger: logger}
}

// Load returns the conversation to replay for a turn, oldest-first, trimmed
// to tokenBudget (0 = unlimited). Summarised moments for the session are
// prepended as system messages so trimmed-away rows stay represented.
func (c *HistoryCodec) Load(ctx context.Context, sess *Session, tokenBudget int) ([]ChatMessage, error) {
	var msgs []ChatMessage

	if raw, ok := sess.Metadata[metadataKeyHistory]; ok {
		msgs = c.decodeSerialized(raw)
	}
	if msgs == nil {
		records, err := c.store.FetchMessages(ctx, sess.ID, 0)
		if err != nil {
			return nil, err
		}
		msgs = MessagesFromRecords(records)
	}

	msgs = c.trimToBudget(msgs, tokenBudget)

	moments, err := c.store.SessionMoments(ctx, sess.ID, MomentSessionChunk, c.maxMoments)
	if err != nil {
		c.logger.Warn("moment fetch failed, continuing without", "session", sess.ID, "error", err)
		moments = nil
	}
	if len(moments) == 0 {
		return msgs, nil
	}
	// SessionMoments returns newest-first; replay chronologically.
	prefix := make([]ChatMessage, 0, len(moments))
	for i := len(moments) - 1; i >= 0; i-- {
		prefix = append(prefix, SystemMessage("[Earlier in this conversation] "+moments[i].Summary))
	}
	return append(prefix, msgs...), nil
}

func (c *HistoryCodec) decodeSerialized(raw any) []ChatMessage {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		data = b
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		c.logger.Warn("serialized history unreadable, rebuilding from rows", "error", err)
		return nil
	}
	return msgs
}

// trimToBudget drops oldest messages until the estimated token total fits.
func (c *HistoryCodec) trimToBudget(msgs []ChatMessage, budget int) []ChatMessage {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += c.counter.Count(msgs[i].Content)
		if total > budget {
			break
		}
		cut = i
	}
	if cut == len(msgs) {
		// Even the newest message exceeds the budget; keep it anyway so the
		// turn has its input.
		cut = len(msgs) - 1
	}
	trimmed := msgs[cut:]
	// Never start the replay on a dangling tool return.
	for len(trimmed) > 0 && trimmed[0].Role == "tool" {
		trimmed = trimmed[1:]
	}
	return trimmed
}

// MessagesFromRecords rebuilds a model conversation from persisted rows.
//
// Assistant rows re-attach their tool calls from the tool_calls column;
// tool_response rows become tool-return messages correlated by call ID;
// tool_call rows are skipped because the assistant row already replays the
// arguments. Observation rows replay as tagged user messages. Think and
// tool_result rows are internal bookkeeping and stay out of the replay.
func MessagesFromRecords(records []MessageRecord) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(records))
	for _, rec := range records {
		switch rec.Type {
		case MessageUser:
			msgs = append(msgs, UserMessage(rec.Content))
		case MessageSystem, MessageMemory:
			msgs = append(msgs, SystemMessage(rec.Content))
		case MessageAssistant:
			m := AssistantMessage(rec.Content)
			if len(rec.ToolCalls) > 0 {
				var env callEnvelope
				if err := json.Unmarshal(rec.ToolCalls, &env); err == nil {
					m.ToolCalls = env.Calls
				}
			}
			msgs = append(msgs, m)
		case MessageToolResponse:
			var ref callRef
			if len(rec.ToolCalls) > 0 {
				_ = json.Unmarshal(rec.ToolCalls, &ref)
			}
			msgs = append(msgs, ToolResultMessage(ref.ID, rec.Content))
		case MessageObservation:
			msgs = append(msgs, UserMessage("[Observation] "+rec.Content))
		case MessageToolCall, MessageThink, MessageToolResult:
			// not replayed
		}
	}
	return msgs
}

// SerializeMessages encodes a conversation for the fast replay path.
func SerializeMessages(msgs []ChatMessage) (json.RawMessage, error) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("serialize history: %w", err)
	}
	return raw, nil
}

// previewText truncates s for log output.
func previewText(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
