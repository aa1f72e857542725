package engine

// Tolerant parsing of untrusted conversation API payloads. Everything the
// engine needs is reduced to a handful of optional fields here, so shape
// drift in the observed API never reaches the state machine.

// OutboundMessage is the user-intent message carried by an outbound request
type OutboundMessage struct {
	ID   string
	Text string
}

// Envelope is the decoded view of one payload (request or response). A raw
// text payload decodes to Present with every optional field unset.
type Envelope struct {
	// Present reports whether any payload existed at all. A request with
	// Present and no conversation id is the new-chat signal.
	Present bool

	ConversationID    string
	HasConversationID bool

	// IsVisible is nil when the field is absent. An explicit false is the
	// delete-intent signal.
	IsVisible *bool

	// Mapping is the server's conversation graph, nil when absent. Kept as
	// decoded JSON; node shape is interpreted lazily during the merge.
	Mapping map[string]any

	// FirstMessage is messages[0] of an outbound request when it carries
	// both an id and a non-empty first content part.
	FirstMessage *OutboundMessage
}

// ParsePayload decodes an untrusted payload value into an Envelope. Never
// panics on any input shape.
func ParsePayload(v any) Envelope {
	var env Envelope
	if v == nil {
		return env
	}
	env.Present = true

	m, ok := v.(map[string]any)
	if !ok {
		// Opaque payload (raw text, array, scalar): present, nothing to read.
		return env
	}

	if s, ok := m["conversation_id"].(string); ok && s != "" {
		env.ConversationID = s
		env.HasConversationID = true
	}
	if b, ok := m["is_visible"].(bool); ok {
		env.IsVisible = &b
	}
	if mapping, ok := m["mapping"].(map[string]any); ok {
		env.Mapping = mapping
	}

	if msgs, ok := m["messages"].([]any); ok && len(msgs) > 0 {
		if first, ok := msgs[0].(map[string]any); ok {
			id, _ := first["id"].(string)
			text := firstContentPart(first["content"])
			if id != "" && text != "" {
				env.FirstMessage = &OutboundMessage{ID: id, Text: text}
			}
		}
	}

	return env
}

// userTextFromNode extracts the message text from a server mapping node when
// the node is a user-authored message with a non-empty first content part
func userTextFromNode(node any) (string, bool) {
	n, ok := node.(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := n["message"].(map[string]any)
	if !ok {
		return "", false
	}
	author, ok := msg["author"].(map[string]any)
	if !ok {
		return "", false
	}
	if role, _ := author["role"].(string); role != "user" {
		return "", false
	}
	text := firstContentPart(msg["content"])
	if text == "" {
		return "", false
	}
	return text, true
}

// firstContentPart reads content.parts[0] when it is a non-empty string
func firstContentPart(content any) string {
	c, ok := content.(map[string]any)
	if !ok {
		return ""
	}
	parts, ok := c["parts"].([]any)
	if !ok || len(parts) == 0 {
		return ""
	}
	s, _ := parts[0].(string)
	return s
}
