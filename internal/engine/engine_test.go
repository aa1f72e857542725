package engine

import (
	"reflect"
	"sync/atomic"
	"testing"

	"convotap/internal/monitor"
)

const convURL = "https://chatgpt.com/backend-api/conversation"

type countingNotifier struct {
	renders atomic.Int64
}

func (n *countingNotifier) RequestRender() { n.renders.Add(1) }

func newTestEngine(t *testing.T) (*Engine, *countingNotifier) {
	t.Helper()
	m, err := monitor.NewMatcher("chatgpt.com", nil)
	if err != nil {
		t.Fatalf("Failed to build matcher: %v", err)
	}
	e := New(m)
	n := &countingNotifier{}
	e.SetNotifier(n)
	return e, n
}

// userNode builds a server mapping node for a user message
func userNode(text string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"author":  map[string]any{"role": "user"},
			"content": map[string]any{"parts": []any{text}},
		},
	}
}

// assistantNode builds a server mapping node for a non-user message
func assistantNode(text string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"author":  map[string]any{"role": "assistant"},
			"content": map[string]any{"parts": []any{text}},
		},
	}
}

// outboundRequest builds an outbound request payload
func outboundRequest(conversationID, messageID, text string) map[string]any {
	req := map[string]any{
		"messages": []any{
			map[string]any{
				"id":      messageID,
				"content": map[string]any{"parts": []any{text}},
			},
		},
	}
	if conversationID != "" {
		req["conversation_id"] = conversationID
	}
	return req
}

func messageMap(e *Engine) map[string]string {
	out := make(map[string]string)
	msgs, _ := e.FilteredMessages("")
	for _, m := range msgs {
		out[m.ID] = m.Text
	}
	return out
}

func TestEngine_ShouldLogDelegates(t *testing.T) {
	e, _ := newTestEngine(t)
	if !e.ShouldLog(convURL) {
		t.Error("Conversation URL should be admitted")
	}
	if e.ShouldLog("https://chatgpt.com/api/other") {
		t.Error("Unrelated URL should not be admitted")
	}
}

func TestEngine_ServerMappingPrecedence(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping": map[string]any{
			"m1":   userNode("hello"),
			"a1":   assistantNode("ignored"),
			"sys1": map[string]any{"message": nil},
		},
	}, nil)

	got := messageMap(e)
	want := map[string]string{"m1": "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("userMessages = %v, want %v", got, want)
	}
	if e.ActiveConversationID() != "c1" {
		t.Errorf("Active conversation = %q, want c1", e.ActiveConversationID())
	}
}

func TestEngine_OutboundFirstVisibility(t *testing.T) {
	e, _ := newTestEngine(t)

	// No server mapping yet: the optimistic record alone must surface.
	e.Ingest(convURL, nil, outboundRequest("", "m2", "hi"))

	got := messageMap(e)
	if got["m2"] != "hi" {
		t.Errorf("userMessages[m2] = %q, want %q", got["m2"], "hi")
	}
}

func TestEngine_Idempotence(t *testing.T) {
	e, _ := newTestEngine(t)
	resp := map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("hello")},
	}
	req := outboundRequest("c1", "m2", "hi")

	e.Ingest(convURL, resp, req)
	first := messageMap(e)

	e.Ingest(convURL, resp, req)
	second := messageMap(e)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Duplicate ingest changed the result: %v vs %v", first, second)
	}
}

func TestEngine_DeleteScenario(t *testing.T) {
	e, n := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("a")},
	}, nil)
	rendersBefore := n.renders.Load()

	e.Ingest(convURL, map[string]any{}, map[string]any{"is_visible": false})

	snap := e.Snapshot()
	if len(snap.Messages) != 0 || snap.PendingOutbound != 0 || snap.MappingNodes != 0 {
		t.Errorf("Delete left state behind: %+v", snap)
	}
	if snap.ActiveConversationID != "" {
		t.Errorf("Delete kept active conversation %q", snap.ActiveConversationID)
	}
	if n.renders.Load() != rendersBefore {
		t.Error("Delete must suppress the render")
	}
	if snap.Stats.BoundaryDelete != 1 {
		t.Errorf("BoundaryDelete = %d, want 1", snap.Stats.BoundaryDelete)
	}
}

func TestEngine_SwitchScenario(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("a")},
	}, nil)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c2",
		"mapping":         map[string]any{"m9": userNode("b")},
	}, map[string]any{"conversation_id": "c2"})

	got := messageMap(e)
	if _, stale := got["m1"]; stale {
		t.Error("Prior conversation's message survived the switch")
	}
	if got["m9"] != "b" {
		t.Errorf("New conversation's message missing: %v", got)
	}
	if e.ActiveConversationID() != "c2" {
		t.Errorf("Active conversation = %q, want c2", e.ActiveConversationID())
	}
	if e.CurrentStats().BoundarySwitch != 1 {
		t.Errorf("BoundarySwitch = %d, want 1", e.CurrentStats().BoundarySwitch)
	}
}

func TestEngine_NewChatSignalClearsState(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("a")},
	}, nil)

	// An outbound request with no conversation id is the new-chat signal:
	// prior state is gone, the fresh optimistic record is all that remains.
	e.Ingest(convURL, nil, outboundRequest("", "m2", "fresh start"))

	got := messageMap(e)
	want := map[string]string{"m2": "fresh start"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("userMessages = %v, want %v", got, want)
	}
	if e.CurrentStats().BoundaryNew != 1 {
		t.Errorf("BoundaryNew = %d, want 1", e.CurrentStats().BoundaryNew)
	}
}

func TestEngine_BoundaryClearIsAtomic(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("a")},
	}, outboundRequest("c1", "m1", "a"))

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c2",
	}, map[string]any{"conversation_id": "c2"})

	// After the switch no container may carry c1 data: the only pending
	// record is c2's own request envelope.
	snap := e.Snapshot()
	if snap.MappingNodes != 0 {
		t.Errorf("Server mapping survived the clear: %d nodes", snap.MappingNodes)
	}
	if snap.PendingOutbound != 1 {
		t.Errorf("PendingOutbound = %d, want only the switching exchange", snap.PendingOutbound)
	}
	if len(snap.Messages) != 0 {
		t.Errorf("Messages survived the clear: %v", snap.Messages)
	}
}

func TestEngine_DivergenceFlagged(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("hello")},
	}, nil)

	// Same id, different text: the outbound pass still wins (documented
	// idempotent-overwrite policy) but the divergence is counted.
	e.Ingest(convURL, nil, outboundRequest("c1", "m1", "hello (edited)"))

	got := messageMap(e)
	if got["m1"] != "hello (edited)" {
		t.Errorf("Outbound pass should overwrite, got %q", got["m1"])
	}
	if e.CurrentStats().Divergences != 1 {
		t.Errorf("Divergences = %d, want 1", e.CurrentStats().Divergences)
	}
}

func TestEngine_SearchFilter(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping": map[string]any{
			"m1": userNode("hello"),
			"m2": userNode("world"),
		},
	}, nil)

	msgs, noMatches := e.FilteredMessages("hel")
	if len(msgs) != 1 || msgs[0].ID != "m1" || noMatches {
		t.Errorf("Query hel: got %v (noMatches=%v)", msgs, noMatches)
	}

	// Matching is case-insensitive.
	msgs, _ = e.FilteredMessages("HEL")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("Query HEL: got %v", msgs)
	}

	msgs, noMatches = e.FilteredMessages("")
	if len(msgs) != 2 || noMatches {
		t.Errorf("Empty query: got %v (noMatches=%v)", msgs, noMatches)
	}

	// A non-matching query against a populated map is an explicit
	// no-matches state, not an absent response.
	msgs, noMatches = e.FilteredMessages("zzz")
	if len(msgs) != 0 || !noMatches {
		t.Errorf("Query zzz: got %v (noMatches=%v)", msgs, noMatches)
	}
}

func TestEngine_NoMatchesFalseWhenEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	msgs, noMatches := e.FilteredMessages("anything")
	if len(msgs) != 0 || noMatches {
		t.Errorf("Empty engine: got %v (noMatches=%v), want empty and false", msgs, noMatches)
	}
}

func TestEngine_IngestNeverPanics(t *testing.T) {
	e, _ := newTestEngine(t)

	payloads := []any{
		nil,
		"plain text",
		"event: delta\ndata: {}",
		42.0,
		[]any{"a", "b"},
		map[string]any{"mapping": "not a map"},
		map[string]any{"messages": "not an array"},
		map[string]any{"messages": []any{nil}},
		map[string]any{"messages": []any{map[string]any{"id": 7}}},
		map[string]any{"conversation_id": 99},
		map[string]any{"is_visible": "false"},
		map[string]any{"mapping": map[string]any{"x": map[string]any{"message": map[string]any{"author": "root"}}}},
	}

	for _, resp := range payloads {
		for _, req := range payloads {
			e.Ingest(convURL, resp, req)
		}
	}
	// Reaching here without a panic is the assertion; state must still be
	// usable afterwards.
	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("still works")},
	}, nil)
	if got := messageMap(e); got["m1"] != "still works" {
		t.Errorf("Engine unusable after junk payloads: %v", got)
	}
}

func TestEngine_SearchQueryRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetSearchQuery("needle")
	if e.SearchQuery() != "needle" {
		t.Errorf("SearchQuery = %q, want needle", e.SearchQuery())
	}
}

func TestEngine_MappingOverwriteNotMerge(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping": map[string]any{
			"m1": userNode("one"),
			"m2": userNode("two"),
		},
	}, nil)

	// A later snapshot without m2 replaces the server view wholesale; m2
	// must disappear (no stale keys), not be merged in.
	e.Ingest(convURL, map[string]any{
		"conversation_id": "c1",
		"mapping":         map[string]any{"m1": userNode("one")},
	}, nil)

	got := messageMap(e)
	if _, ok := got["m2"]; ok {
		t.Error("Server mapping was merged instead of overwritten")
	}
}
