package strand

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Identity describes the end user a turn runs for.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// BuildInstructions renders the per-turn context block appended to the
// agent's system prompt: current date and time, who the user is, session
// metadata, and the active routing table. Session metadata excludes the
// serialized transcript key so the model never sees its own wire format.
func BuildInstructions(now time.Time, sess *Session, identity Identity, agentName string) string {
	var b strings.Builder
	b.WriteString("[Context]\n")
	fmt.Fprintf(&b, "Date: %s\n", now.Format("2006-01-02"))
	fmt.Fprintf(&b, "Time: %s\n", now.Format("15:04:05"))
	if identity.UserID != "" {
		fmt.Fprintf(&b, "User ID: %s\n", identity.UserID)
	}
	if identity.Name != "" {
		fmt.Fprintf(&b, "User Name: %s\n", identity.Name)
	}
	if identity.Email != "" {
		fmt.Fprintf(&b, "User Email: %s\n", identity.Email)
	}
	if sess != nil {
		fmt.Fprintf(&b, "Session: %s | Agent: %s\n", sess.ID, agentName)
	} else {
		fmt.Fprintf(&b, "Agent: %s\n", agentName)
	}

	if sess != nil && len(sess.Metadata) > 0 {
		visible := make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			if k == metadataKeyHistory || k == metadataKeyRouting {
				continue
			}
			visible[k] = v
		}
		if len(visible) > 0 {
			if raw, err := json.Marshal(visible); err == nil {
				b.WriteString("\n## Session Context\n")
				b.Write(raw)
				b.WriteString("\n")
			}
		}
	}

	if identity.UserID != "" {
		b.WriteString("\nUse the user_profile tool to read or update durable facts about this user.\n")
	}

	if sess != nil {
		if routing, ok := sess.Metadata[metadataKeyRouting]; ok {
			if raw, err := json.Marshal(routing); err == nil && string(raw) != "null" {
				b.WriteString("\n## Routing\n")
				b.Write(raw)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
