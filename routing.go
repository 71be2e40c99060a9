package strand

import (
	"context"
	"encoding/json"
	"log/slog"
)

// metadataKeyRouting is the session metadata key holding the routing table.
const metadataKeyRouting = "routing"

// RoutingStateKind is the session's position in the routing lifecycle.
type RoutingStateKind string

const (
	RoutingIdle       RoutingStateKind = "idle"
	RoutingExecuting  RoutingStateKind = "executing"
	RoutingReEvaluate RoutingStateKind = "re-evaluate"
	RoutingEscalated  RoutingStateKind = "escalated"
	RoutingComplete   RoutingStateKind = "complete"
)

// RoutingTable is the per-session routing record kept in session metadata.
type RoutingTable struct {
	ActiveAgent string           `json:"active_agent"`
	State       RoutingStateKind `json:"state"`
	TurnCount   int              `json:"turn_count"`
	MaxTurns    int              `json:"max_turns,omitempty"`
	Fallback    string           `json:"fallback,omitempty"`
	Transitions []string         `json:"transitions,omitempty"`
}

// Classifier picks the agent for a user message when the router needs a
// fresh decision. Implementations usually wrap a cheap model call.
type Classifier interface {
	Classify(ctx context.Context, sess *Session, input string) (string, error)
}

// Router advances the routing state machine for each incoming turn.
//
// While a session is executing under an agent, turns stick to that agent
// until the turn budget runs out; crossing the budget forces re-evaluation.
// Idle, re-evaluate, and complete states consult the classifier, falling
// back to the configured default agent when classification fails or no
// classifier is set.
type Router struct {
	classifier Classifier
	fallback   string
	maxTurns   int
	logger     *slog.Logger
}

// NewRouter builds a router. classifier may be nil; fallback must name a
// resolvable agent.
func NewRouter(classifier Classifier, fallback string, maxTurns int, logger *slog.Logger) *Router {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Router{classifier: classifier, fallback: fallback, maxTurns: maxTurns, logger: logger}
}

// Route decides the agent for this turn and writes the advanced table back
// into sess.Metadata. The caller persists the session.
func (r *Router) Route(ctx context.Context, sess *Session, input string) string {
	table := r.load(sess)

	if table.State == RoutingExecuting && table.ActiveAgent != "" {
		if table.TurnCount < table.MaxTurns {
			table.TurnCount++
			r.save(sess, table)
			return table.ActiveAgent
		}
		table.State = RoutingReEvaluate
		table.Transitions = append(table.Transitions, string(RoutingReEvaluate))
	}

	agent := r.classify(ctx, sess, input)
	if agent == "" {
		agent = r.fallback
	}
	if table.ActiveAgent != "" && table.ActiveAgent != agent {
		table.Transitions = append(table.Transitions, table.ActiveAgent+"->"+agent)
	}
	table.ActiveAgent = agent
	table.State = RoutingExecuting
	table.TurnCount = 1
	if table.MaxTurns <= 0 {
		table.MaxTurns = r.maxTurns
	}
	r.save(sess, table)
	return agent
}

// Complete marks the routing episode finished: the session falls back to the
// default agent and the next turn re-classifies.
func (r *Router) Complete(sess *Session) {
	table := r.load(sess)
	table.State = RoutingComplete
	table.ActiveAgent = table.Fallback
	table.Transitions = append(table.Transitions, string(RoutingComplete))
	r.save(sess, table)
}

func (r *Router) classify(ctx context.Context, sess *Session, input string) string {
	if r.classifier == nil {
		return ""
	}
	agent, err := r.classifier.Classify(ctx, sess, input)
	if err != nil {
		r.logger.Warn("classification failed, using fallback", "session", sess.ID, "error", err)
		return ""
	}
	return agent
}

func (r *Router) load(sess *Session) RoutingTable {
	table := RoutingTable{State: RoutingIdle, MaxTurns: r.maxTurns, Fallback: r.fallback}
	raw, ok := sess.Metadata[metadataKeyRouting]
	if !ok {
		return table
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return table
	}
	if err := json.Unmarshal(data, &table); err != nil {
		r.logger.Warn("routing table unreadable, resetting", "session", sess.ID, "error", err)
		return RoutingTable{State: RoutingIdle, MaxTurns: r.maxTurns, Fallback: r.fallback}
	}
	if table.State == "" {
		table.State = RoutingIdle
	}
	if table.MaxTurns <= 0 {
		table.MaxTurns = r.maxTurns
	}
	if table.Fallback == "" {
		table.Fallback = r.fallback
	}
	return table
}

func (r *Router) save(sess *Session, table RoutingTable) {
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	// Stored as a plain map so metadata stays JSON-native end to end.
	data, err := json.Marshal(table)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	sess.Metadata[metadataKeyRouting] = m
}
