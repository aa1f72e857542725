package models

import (
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ClientMessage represents a message from the panel client
type ClientMessage struct {
	Type      string `json:"type"`                 // "search" or "scroll"
	Query     string `json:"query,omitempty"`      // search: filter string, "" clears
	MessageID string `json:"message_id,omitempty"` // scroll: message to bring into view
}

// ServerMessage represents a message pushed to the panel client
type ServerMessage struct {
	Type           string        `json:"type"` // "connected", "messages", "error"
	Messages       []UserMessage `json:"messages,omitempty"`
	NoMatches      bool          `json:"no_matches,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Query          string        `json:"query,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// PanelConnection represents an active panel WebSocket connection
type PanelConnection struct {
	ConnID    string
	ClientIP  string
	Conn      *websocket.Conn
	CreatedAt time.Time

	// WriteChan serializes all writes to the connection through a single
	// writer goroutine (websocket connections are not safe for concurrent
	// writes).
	WriteChan chan ServerMessage
	StopChan  chan bool
}
