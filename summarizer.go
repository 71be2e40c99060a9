package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const defaultMomentThreshold = 12

// Summarizer distils accumulated session messages into session_chunk
// moments so long conversations stay replayable after trimming. It runs
// after each persisted turn, detached from the turn's lifetime.
type Summarizer struct {
	store     Store
	runner    Runner
	model     string
	threshold int
	logger    *slog.Logger
}

// NewSummarizer builds a summariser. threshold <= 0 uses the default; model
// may be empty to let the runner pick.
func NewSummarizer(store Store, runner Runner, model string, threshold int, logger *slog.Logger) *Summarizer {
	if threshold <= 0 {
		threshold = defaultMomentThreshold
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Summarizer{store: store, runner: runner, model: model, threshold: threshold, logger: logger}
}

// AfterTurn checks the cadence and, when due, summarises in the background.
// Detached from parent cancellation so the work can finish after the turn
// handler returns; context values (trace IDs) are inherited.
func (s *Summarizer) AfterTurn(ctx context.Context, sess *Session) {
	if s.store == nil || s.runner == nil {
		return
	}
	sessID, userID := sess.ID, sess.UserID
	go func() {
		bgCtx := context.WithoutCancel(ctx)
		if err := s.run(bgCtx, sessID, userID); err != nil {
			s.logger.Warn("session summarisation failed", "session", sessID, "error", err)
		}
	}()
}

func (s *Summarizer) run(ctx context.Context, sessionID, userID string) error {
	var since int64
	latest, err := s.store.SessionMoments(ctx, sessionID, MomentSessionChunk, 1)
	if err != nil {
		return err
	}
	if len(latest) > 0 {
		since = latest[0].CreatedAt
	}

	n, err := s.store.CountMessagesSince(ctx, sessionID, since)
	if err != nil {
		return err
	}
	if n < s.threshold {
		return nil
	}

	records, err := s.store.FetchMessages(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	transcript := renderTranscript(records, since)
	if transcript == "" {
		return nil
	}

	result, err := s.runner.Run(ctx, RunRequest{
		Model:        s.model,
		Instructions: summarizerPrompt,
		Messages:     []ChatMessage{UserMessage(transcript)},
	})
	if err != nil {
		return err
	}

	chunk := parseSessionChunk(result.Text)
	if chunk == nil || chunk.Summary == "" {
		return fmt.Errorf("summariser produced no usable summary")
	}

	moment := &Moment{
		ID:              NewID(),
		UserID:          userID,
		MomentType:      MomentSessionChunk,
		Summary:         chunk.Summary,
		TopicTags:       chunk.TopicTags,
		EmotionTags:     chunk.EmotionTags,
		GraphEdges:      chunk.Edges,
		SourceSessionID: sessionID,
		CreatedAt:       NowUnix(),
	}
	if err := s.store.InsertMoment(ctx, moment); err != nil {
		return err
	}
	s.logger.Debug("session chunk recorded", "session", sessionID, "messages", n)
	return nil
}

// summarizerPrompt asks for a compact JSON summary of the uncovered slice.
const summarizerPrompt = `You are a conversation summarisation system. Given a transcript slice, produce a compact summary that lets a future conversation continue naturally without the original messages.

Rules:
- Capture decisions, facts, open threads, and the user's intent
- Keep the summary under 150 words
- topic_tags: 1-5 short lowercase topics
- emotion_tags: 0-3 dominant user emotions, empty if neutral
- edges: entities the conversation connects to, with a relation and a weight between 0 and 1

Return ONLY a JSON object, no extra text:
{"summary": "...", "topic_tags": ["..."], "emotion_tags": ["..."], "edges": [{"target": "...", "relation": "...", "weight": 0.8}]}`

type sessionChunk struct {
	Summary     string      `json:"summary"`
	TopicTags   []string    `json:"topic_tags"`
	EmotionTags []string    `json:"emotion_tags"`
	Edges       []GraphEdge `json:"edges"`
}

func parseSessionChunk(response string) *sessionChunk {
	content := strings.TrimSpace(response)
	var chunk sessionChunk
	if err := json.Unmarshal([]byte(content), &chunk); err != nil {
		// LLM sometimes wraps JSON in markdown fences — find the object.
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &chunk); err != nil {
			return nil
		}
	}
	return &chunk
}

// renderTranscript flattens the rows newer than since into prompt text.
// Internal row kinds are skipped the same way history replay skips them.
func renderTranscript(records []MessageRecord, since int64) string {
	var b strings.Builder
	for _, rec := range records {
		if rec.CreatedAt <= since {
			continue
		}
		switch rec.Type {
		case MessageUser:
			fmt.Fprintf(&b, "User: %s\n", rec.Content)
		case MessageAssistant:
			if rec.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", rec.Content)
			}
		case MessageObservation:
			fmt.Fprintf(&b, "Observation: %s\n", rec.Content)
		}
	}
	return strings.TrimSpace(b.String())
}
