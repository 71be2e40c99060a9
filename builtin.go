package strand

// Code-defined agents available out of the box. Store rows with the same
// names override them.

func builtinGeneral() *AgentDocument {
	return &AgentDocument{
		Name: "general",
		SystemPrompt: "You are a helpful, direct assistant. Answer the user plainly. " +
			"Use the available tools when they genuinely help; otherwise answer from the conversation.",
		Tools: []ToolRef{
			{Name: DelegateToolName},
			{Name: "user_profile", Description: "Read or update durable facts about the user before asking them to repeat themselves."},
		},
	}
}

func builtinSummarizer() *AgentDocument {
	props := Properties{}
	props.set("moments", PropertySpec{
		Type:        "array",
		Description: "Moments worth remembering from the conversation",
		Items: []byte(`{
			"type": "object",
			"properties": {
				"moment_type": {"type": "string", "enum": ["session_chunk", "dream", "plot_collection"]},
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
			"required": ["moment_type", "summary"]
		}`),
	})
	return &AgentDocument{
		Name: "session_summarizer",
		SystemPrompt: "You distil conversations into durable moments. Read the conversation and emit " +
			"the moments a future session would need: decisions, facts, open threads, emotional beats. " +
			"Prefer few, dense moments over many thin ones.",
		StructuredOutput: true,
		ChainedTool:      "save_moments",
		Properties:       props,
		Required:         []string{"moments"},
		Tools:            []ToolRef{{Name: "save_moments"}},
	}
}
