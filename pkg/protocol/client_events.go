package protocol

// SessionConfig is the configuration carried by a session.update event.
// Absent fields are omitted from the wire payload entirely.
type SessionConfig struct {
	Instructions string  `json:"instructions,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Prompt       *Prompt `json:"prompt,omitempty"`
}

// Prompt references a server-side prompt by id.
type Prompt struct {
	ID string `json:"id"`
}

// SessionUpdate is the client event that applies SessionConfig to a live
// session. It is only valid after session.created has been observed.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate builds a session.update event.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: cfg}
}

// ItemCreate is the client event that appends a conversation item.
type ItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

// Item is one conversation item.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one piece of item content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewUserText builds a conversation.item.create event carrying one user text
// message.
func NewUserText(text string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: Item{
			Type: "message",
			Role: "user",
			Content: []ContentPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

// ResponseCreate asks the endpoint to generate a response.
type ResponseCreate struct {
	Type string `json:"type"`
}

// NewResponseCreate builds a response.create event.
func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}

// ResponseCancel interrupts the in-flight response.
type ResponseCancel struct {
	Type string `json:"type"`
}

// NewResponseCancel builds a response.cancel event.
func NewResponseCancel() ResponseCancel {
	return ResponseCancel{Type: "response.cancel"}
}
