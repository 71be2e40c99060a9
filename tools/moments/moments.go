// Package moments provides the save_moments tool: the persistence end of
// the session_summarizer agent's chained output.
package moments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strandkit/strand"
)

// Tool implements save_moments. Each moment in the payload becomes one
// moment row; affinity_fragments are stored as graph edges.
type Tool struct {
	store strand.Store
}

var _ strand.Tool = (*Tool)(nil)

// New creates the moments tool.
func New(store strand.Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Definitions() []strand.ToolDefinition {
	return []strand.ToolDefinition{{
		Name:        "save_moments",
		Description: "Persist conversation moments: summaries with topic tags, emotion tags, and relations to entities they touch.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"moments": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"moment_type": {"type": "string"},
							"summary": {"type": "string"},
							"topic_tags": {"type": "array", "items": {"type": "string"}},
							"emotion_tags": {"type": "array", "items": {"type": "string"}},
							"affinity_fragments": {
								"type": "array",
								"items": {
									"type": "object",
									"properties": {
										"target": {"type": "string"},
										"relation": {"type": "string"},
										"weight": {"type": "number"},
										"reason": {"type": "string"}
									},
									"required": ["target", "relation"]
								}
							}
						},
						"required": ["summary"]
					}
				}
			},
			"required": ["moments"]
		}`),
	}}
}

type momentPayload struct {
	Name              string             `json:"name"`
	MomentType        string             `json:"moment_type"`
	Summary           string             `json:"summary"`
	TopicTags         []string           `json:"topic_tags"`
	EmotionTags       []string           `json:"emotion_tags"`
	AffinityFragments []affinityFragment `json:"affinity_fragments"`
}

type affinityFragment struct {
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
	Reason   string  `json:"reason"`
}

type args struct {
	Moments []momentPayload `json:"moments"`
}

func (t *Tool) Execute(ctx context.Context, name string, raw json.RawMessage) (strand.ToolResult, error) {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return strand.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if len(a.Moments) == 0 {
		return strand.ToolResult{Error: "no moments to save"}, nil
	}

	var userID, sessionID string
	if tc, ok := strand.ToolContextFromContext(ctx); ok {
		userID, sessionID = tc.UserID, tc.SessionID
	}

	savedIDs := make([]string, 0, len(a.Moments))
	for i, m := range a.Moments {
		if m.Summary == "" {
			return strand.ToolResult{Error: fmt.Sprintf("moment %d has no summary", i)}, nil
		}
		momentType := m.MomentType
		if momentType == "" {
			// Untyped entries are named dream moments.
			momentType = strand.MomentDream
		}
		edges := make([]strand.GraphEdge, 0, len(m.AffinityFragments))
		for _, f := range m.AffinityFragments {
			edges = append(edges, strand.GraphEdge{
				Target:   f.Target,
				Relation: f.Relation,
				Weight:   f.Weight,
				Reason:   f.Reason,
			})
		}
		moment := &strand.Moment{
			ID:              strand.NewID(),
			UserID:          userID,
			MomentType:      momentType,
			Summary:         m.Summary,
			TopicTags:       m.TopicTags,
			EmotionTags:     m.EmotionTags,
			GraphEdges:      edges,
			SourceSessionID: sessionID,
			CreatedAt:       strand.NowUnix(),
		}
		if m.Name != "" {
			moment.Metadata = map[string]any{"name": m.Name}
		}
		if err := t.store.InsertMoment(ctx, moment); err != nil {
			return strand.ToolResult{Error: err.Error()}, nil
		}
		savedIDs = append(savedIDs, moment.ID)
	}

	data, err := json.Marshal(map[string]any{
		"status":           "success",
		"moments_count":    len(savedIDs),
		"saved_moment_ids": savedIDs,
	})
	if err != nil {
		return strand.ToolResult{Error: "encode result: " + err.Error()}, nil
	}
	return strand.ToolResult{Content: string(data)}, nil
}
