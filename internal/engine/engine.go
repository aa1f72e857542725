package engine

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"convotap/internal/logging"
	"convotap/internal/models"
	"convotap/internal/monitor"
)

// Notifier is signalled after every state-mutating ingest that should reach
// the panel. Implemented by the render scheduler.
type Notifier interface {
	RequestRender()
}

// CaptureSink archives admitted exchanges. Implemented by the capture store;
// Record must not block.
type CaptureSink interface {
	Record(ex models.Exchange)
}

// Engine is the correlation engine: it merges the authoritative-but-delayed
// server view and the immediate-but-incomplete client-intent view of the
// active conversation into one deduplicated message log, and detects the
// boundary events (new chat, switch, delete) that invalidate prior state.
//
// Ingest and SetSearchQuery each run to completion under one mutex, so no
// exchange's mutation can interleave mid-update with another. That single
// owned critical section is the only concurrency guarantee the design needs;
// delivery order across exchanges is deliberately not relied upon.
type Engine struct {
	matcher atomic.Pointer[monitor.Matcher]

	mu    sync.Mutex
	st    state
	stats Stats // cumulative; boundary clears never zero these

	notifier Notifier
	capture  CaptureSink
}

// New creates the engine with its admission matcher
func New(matcher *monitor.Matcher) *Engine {
	e := &Engine{}
	e.matcher.Store(matcher)
	return e
}

// SetNotifier attaches the render scheduler
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetCapture attaches the exchange archive
func (e *Engine) SetCapture(c CaptureSink) { e.capture = c }

// SetMatcher swaps the admission matcher (monitor.yaml hot reload)
func (e *Engine) SetMatcher(m *monitor.Matcher) { e.matcher.Store(m) }

// ShouldLog is the admission check delegated to the pattern matcher
func (e *Engine) ShouldLog(url string) bool {
	m := e.matcher.Load()
	return m != nil && m.Matches(url)
}

// Ingest is the single state-mutating entry point, called once per admitted
// exchange. It never panics outward and never blocks on the panel: internal
// errors are logged and the previous state retained.
func (e *Engine) Ingest(url string, responsePayload, requestPayload any) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.st.clear() // partially-applied state is worse than none
			e.statsLocked().IngestErrors++
			e.mu.Unlock()
			slog.Error("panic in ingest, state cleared", "url", url, "panic", r)
		}
	}()

	req := ParsePayload(requestPayload)
	resp := ParsePayload(responsePayload)

	e.mu.Lock()
	render := e.ingestLocked(url, resp, req)
	conversationID := e.st.activeConversationID
	e.mu.Unlock()

	if e.capture != nil {
		e.capture.Record(models.Exchange{
			URL:            url,
			ConversationID: conversationID,
			RequestBody:    rawJSON(requestPayload),
			ResponseBody:   rawJSON(responsePayload),
			ObservedAt:     time.Now(),
		})
	}

	if render && e.notifier != nil {
		e.notifier.RequestRender()
	}
}

// ingestLocked applies one exchange. Step order matters and mirrors the
// boundary semantics exactly; see the package tests for the scenarios.
func (e *Engine) ingestLocked(url string, resp, req Envelope) bool {
	stats := e.statsLocked()
	stats.Ingests++

	// (a) candidate conversation id: request wins over response
	candidate := req.ConversationID
	if candidate == "" {
		candidate = resp.ConversationID
	}

	// (b) a differing id against an active one is a conversation switch:
	// everything belonging to the old conversation is invalidated before
	// any new data lands.
	if candidate != "" && e.st.activeConversationID != "" && candidate != e.st.activeConversationID {
		previous := e.st.activeConversationID
		e.st.clear()
		stats.BoundarySwitch++
		logging.WithExchange(url, candidate).Info("conversation switch, state cleared",
			"previous", previous)
	}

	// (c) monotonic active-id update
	if candidate != "" {
		e.st.activeConversationID = candidate
	}

	// (d) a structured response carrying a mapping replaces the server view
	// wholesale; each server payload is a self-contained snapshot.
	if resp.Mapping != nil {
		e.st.lastServerMapping = resp.Mapping
	}

	// (e) explicit resets that need no id comparison: a delete intent
	// (is_visible=false) or a new-chat request (payload with no id yet).
	isDelete := req.IsVisible != nil && !*req.IsVisible
	isNewChat := req.Present && !req.HasConversationID
	if isDelete || isNewChat {
		e.st.clear()
		e.st.activeConversationID = ""
		if isDelete {
			stats.BoundaryDelete++
			// Nothing left to show; suppress the render entirely.
			return false
		}
		stats.BoundaryNew++
	}

	// (f) keep the outbound record for the optimistic pass
	if req.Present {
		e.st.pendingOutbound = append(e.st.pendingOutbound, req)
	}

	// (g) full rebuild of the merged view
	e.rebuildLocked(url)
	return true
}

// rebuildLocked recomputes userMessages from scratch: authoritative server
// pass first, then the outbound pass in arrival order. The outbound pass
// overwrites unconditionally — ids are expected stable across both sources,
// so the overwrite is idempotent; divergent text is flagged, not resolved.
func (e *Engine) rebuildLocked(url string) {
	merged := make(map[string]string)
	var order []string
	fromServer := make(map[string]bool)

	mappingIDs := make([]string, 0, len(e.st.lastServerMapping))
	for id := range e.st.lastServerMapping {
		mappingIDs = append(mappingIDs, id)
	}
	sort.Strings(mappingIDs)

	for _, id := range mappingIDs {
		if text, ok := userTextFromNode(e.st.lastServerMapping[id]); ok {
			if _, seen := merged[id]; !seen {
				order = append(order, id)
			}
			merged[id] = text
			fromServer[id] = true
		}
	}

	for _, env := range e.st.pendingOutbound {
		msg := env.FirstMessage
		if msg == nil {
			continue
		}
		if prev, ok := merged[msg.ID]; ok && fromServer[msg.ID] && prev != msg.Text {
			e.statsLocked().Divergences++
			logging.WithExchange(url, e.st.activeConversationID).Warn(
				"outbound text diverges from server mapping", "message_id", msg.ID)
		}
		if _, seen := merged[msg.ID]; !seen {
			order = append(order, msg.ID)
		}
		merged[msg.ID] = msg.Text
	}

	e.st.userMessages = merged
	e.st.messageOrder = order
}

// SetSearchQuery updates the case-insensitive panel filter
func (e *Engine) SetSearchQuery(q string) {
	e.mu.Lock()
	e.st.searchQuery = q
	e.mu.Unlock()
}

// SearchQuery returns the current filter
func (e *Engine) SearchQuery() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.searchQuery
}

// ActiveConversationID returns the last-known conversation id, or ""
func (e *Engine) ActiveConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.activeConversationID
}

// FilteredMessages returns the ordered messages whose text contains query
// case-insensitively (empty query keeps all). noMatches distinguishes "the
// filter matched nothing" from "there is nothing to show yet".
func (e *Engine) FilteredMessages(query string) (msgs []models.UserMessage, noMatches bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filteredLocked(query)
}

func (e *Engine) filteredLocked(query string) ([]models.UserMessage, bool) {
	q := strings.ToLower(query)
	var out []models.UserMessage
	for _, id := range e.st.messageOrder {
		text := e.st.userMessages[id]
		if q != "" && !strings.Contains(strings.ToLower(text), q) {
			continue
		}
		out = append(out, models.UserMessage{ID: id, Text: text})
	}
	return out, len(out) == 0 && len(e.st.userMessages) > 0
}

// Snapshot returns a read-only copy of the current state
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs, _ := e.filteredLocked("")
	return Snapshot{
		ActiveConversationID: e.st.activeConversationID,
		SearchQuery:          e.st.searchQuery,
		Messages:             msgs,
		PendingOutbound:      len(e.st.pendingOutbound),
		MappingNodes:         len(e.st.lastServerMapping),
		Stats:                e.stats,
	}
}

func (e *Engine) statsLocked() *Stats { return &e.stats }

// CurrentStats returns the cumulative counters
func (e *Engine) CurrentStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// rawJSON re-serializes a decoded payload for the capture archive. Opaque
// string payloads are archived as-is.
func rawJSON(v any) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		return p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
