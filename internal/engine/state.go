package engine

import "convotap/internal/models"

// state is the process-wide conversation view. One logical instance lives
// inside the Engine for the process's lifetime; it is reset in place on
// conversation-boundary events, never destroyed. All access is under the
// Engine's mutex.
type state struct {
	// lastServerMapping is the most recent full mapping payload. Overwritten
	// whole on arrival; the server payload is self-contained truth for that
	// snapshot.
	lastServerMapping map[string]any

	// pendingOutbound accumulates captured outbound requests in arrival
	// order, append-only until a boundary clear.
	pendingOutbound []Envelope

	// userMessages is the merged authoritative view, rebuilt from scratch on
	// every ingest so no stale key survives a boundary clear. messageOrder
	// preserves first-seen order for rendering.
	userMessages map[string]string
	messageOrder []string

	activeConversationID string
	searchQuery          string
}

// clear resets the accumulated data containers in one step. Callers hold the
// engine mutex, so the reset is atomic with respect to any other exchange.
func (s *state) clear() {
	s.lastServerMapping = nil
	s.pendingOutbound = nil
	s.userMessages = nil
	s.messageOrder = nil
}

// Stats are cumulative counters since process start
type Stats struct {
	Ingests        uint64 `json:"ingests"`
	IngestErrors   uint64 `json:"ingest_errors"`
	BoundaryNew    uint64 `json:"boundary_new"`
	BoundarySwitch uint64 `json:"boundary_switch"`
	BoundaryDelete uint64 `json:"boundary_delete"`
	Divergences    uint64 `json:"divergences"`
}

// Snapshot is a read-only copy of engine state for the panel and debug REST
type Snapshot struct {
	ActiveConversationID string               `json:"active_conversation_id"`
	SearchQuery          string               `json:"search_query"`
	Messages             []models.UserMessage `json:"messages"`
	PendingOutbound      int                  `json:"pending_outbound"`
	MappingNodes         int                  `json:"mapping_nodes"`
	Stats                Stats                `json:"stats"`
}
