package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"convotap/internal/engine"
	"convotap/internal/models"
	"convotap/internal/monitor"
	"convotap/internal/services"
)

const (
	readDeadline = 120 * time.Second
	pingInterval = 30 * time.Second
)

// WebSocketHandler handles panel WebSocket connections
type WebSocketHandler struct {
	connManager *services.ConnectionManager
	scheduler   *services.RenderScheduler
	engine      *engine.Engine
	scroller    monitor.PageScroller // nil when the CDP tap is disabled
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(connManager *services.ConnectionManager, scheduler *services.RenderScheduler, eng *engine.Engine, scroller monitor.PageScroller) *WebSocketHandler {
	return &WebSocketHandler{
		connManager: connManager,
		scheduler:   scheduler,
		engine:      eng,
		scroller:    scroller,
	}
}

// Handle handles a new panel connection
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	clientIP, _ := c.Locals("client_ip").(string)

	done := make(chan struct{})

	conn := &models.PanelConnection{
		ConnID:    connID,
		ClientIP:  clientIP,
		Conn:      c,
		CreatedAt: time.Now(),
		WriteChan: make(chan models.ServerMessage, 100),
		StopChan:  make(chan bool, 1),
	}

	h.connManager.Add(conn)
	defer func() {
		close(done)
		h.connManager.Remove(connID)
	}()

	c.SetReadDeadline(time.Now().Add(readDeadline))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(conn, done)
	go h.writeLoop(conn)

	// Greet, then push the current view so a late-mounting panel does not
	// wait for the next ingest.
	conn.WriteChan <- models.ServerMessage{Type: "connected"}
	h.sendCurrentView(conn)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		c.SetReadDeadline(time.Now().Add(readDeadline))

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.WriteChan <- models.ServerMessage{Type: "error", Error: "invalid message"}
			continue
		}

		switch msg.Type {
		case "search":
			h.scheduler.QueryChanged(msg.Query)

		case "scroll":
			if h.scroller == nil {
				conn.WriteChan <- models.ServerMessage{Type: "error", Error: "scroll-sync unavailable (no browser attached)"}
				continue
			}
			if err := h.scroller.ScrollToMessage(msg.MessageID); err != nil {
				log.Printf("⚠️ Scroll-sync failed for %s: %v", msg.MessageID, err)
				conn.WriteChan <- models.ServerMessage{Type: "error", Error: "scroll failed"}
			}

		default:
			conn.WriteChan <- models.ServerMessage{Type: "error", Error: "unknown message type"}
		}
	}
}

// sendCurrentView pushes the present filtered log directly to one panel
func (h *WebSocketHandler) sendCurrentView(conn *models.PanelConnection) {
	query := h.engine.SearchQuery()
	msgs, noMatches := h.engine.FilteredMessages(query)
	if len(msgs) == 0 && !noMatches {
		return // nothing merged yet; the scheduler will push when there is
	}
	conn.WriteChan <- models.ServerMessage{
		Type:           "messages",
		Messages:       msgs,
		NoMatches:      noMatches,
		ConversationID: h.engine.ActiveConversationID(),
		Query:          query,
	}
}

// writeLoop serializes all writes to one connection
func (h *WebSocketHandler) writeLoop(conn *models.PanelConnection) {
	for msg := range conn.WriteChan {
		if err := conn.Conn.WriteJSON(msg); err != nil {
			log.Printf("⚠️ Write to panel %s failed: %v", conn.ConnID, err)
			return
		}
	}
}

// pingLoop keeps the connection alive through idle stretches
func (h *WebSocketHandler) pingLoop(conn *models.PanelConnection, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
