package models

import "time"

// UserMessage is one user-authored message reconstructed from observed
// traffic. The correlation engine owns the canonical map; everything the
// panel or REST layer sees is a copied snapshot.
type UserMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Exchange is one admitted request/response pair as delivered to the
// correlation engine. Bodies are kept as raw JSON text for the capture
// archive; the engine works on the decoded values.
type Exchange struct {
	URL            string    `json:"url"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RequestBody    string    `json:"request_body,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}
