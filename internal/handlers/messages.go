package handlers

import (
	"github.com/gofiber/fiber/v2"

	"convotap/internal/engine"
)

// MessagesHandler serves REST snapshots of the reconstructed message log
type MessagesHandler struct {
	engine *engine.Engine
}

// NewMessagesHandler creates a new messages handler
func NewMessagesHandler(eng *engine.Engine) *MessagesHandler {
	return &MessagesHandler{engine: eng}
}

// List returns the current filtered message log.
// GET /api/messages?query=hel
func (h *MessagesHandler) List(c *fiber.Ctx) error {
	query := c.Query("query")
	msgs, noMatches := h.engine.FilteredMessages(query)

	return c.JSON(fiber.Map{
		"messages":        msgs,
		"no_matches":      noMatches,
		"conversation_id": h.engine.ActiveConversationID(),
		"query":           query,
	})
}

// State returns a debug snapshot of engine state.
// GET /api/state
func (h *MessagesHandler) State(c *fiber.Ctx) error {
	return c.JSON(h.engine.Snapshot())
}
