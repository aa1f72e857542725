package monitor

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newPostRequest(t *testing.T, contentType, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "https://chatgpt.com/backend-api/conversation", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestExtractRequestBody_JSON(t *testing.T) {
	req := newPostRequest(t, "application/json", `{"conversation_id":"c1","messages":[]}`)

	got := ExtractRequestBody(req)
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("Expected parsed map, got %T", got)
	}
	if m["conversation_id"] != "c1" {
		t.Errorf("Expected conversation_id c1, got %v", m["conversation_id"])
	}
}

func TestExtractRequestBody_MalformedJSONFallsBackToText(t *testing.T) {
	req := newPostRequest(t, "application/json", `{"broken":`)

	got := ExtractRequestBody(req)
	if got != `{"broken":` {
		t.Errorf("Expected raw text fallback, got %v", got)
	}
}

func TestExtractRequestBody_NonJSONContentType(t *testing.T) {
	req := newPostRequest(t, "text/plain", "hello body")

	if got := ExtractRequestBody(req); got != "hello body" {
		t.Errorf("Expected raw text, got %v", got)
	}
}

func TestExtractRequestBody_NoBody(t *testing.T) {
	req := httptest.NewRequest("GET", "https://chatgpt.com/backend-api/conversation", nil)
	if got := ExtractRequestBody(req); got != nil {
		t.Errorf("Expected nil for bodyless request, got %v", got)
	}
}

func TestExtractRequestBody_PreservesBody(t *testing.T) {
	body := `{"messages":[{"id":"m1"}]}`
	req := newPostRequest(t, "application/json", body)

	ExtractRequestBody(req)

	// The real call must still see the original bytes.
	after, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("Failed to re-read body: %v", err)
	}
	if string(after) != body {
		t.Errorf("Body changed after extraction: %q", after)
	}

	// GetBody must produce another identical copy.
	if req.GetBody == nil {
		t.Fatal("GetBody not set after extraction")
	}
	rc, err := req.GetBody()
	if err != nil {
		t.Fatalf("GetBody failed: %v", err)
	}
	again, _ := io.ReadAll(rc)
	if string(again) != body {
		t.Errorf("GetBody copy differs: %q", again)
	}
}

func TestExtractResponseBody_JSONAndRestore(t *testing.T) {
	body := `{"mapping":{}}`
	resp := &http.Response{Body: io.NopCloser(bytes.NewReader([]byte(body)))}

	got := ExtractResponseBody(resp)
	if _, ok := got.(map[string]any); !ok {
		t.Fatalf("Expected parsed map, got %T", got)
	}

	after, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to re-read response body: %v", err)
	}
	if string(after) != body {
		t.Errorf("Response body changed after extraction: %q", after)
	}
}

func TestDecodePayload(t *testing.T) {
	if got := DecodePayload(nil); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
	if got := DecodePayload([]byte(`{"a":1}`)); got == nil {
		t.Error("Expected decoded map for valid JSON")
	}
	if got := DecodePayload([]byte("event: delta\ndata: {}")); got != "event: delta\ndata: {}" {
		t.Errorf("Expected raw text for non-JSON payload, got %v", got)
	}
}

func TestIsJSONContentType(t *testing.T) {
	cases := []struct {
		ct   string
		want bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/problem+json", true},
		{"text/plain", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isJSONContentType(tc.ct); got != tc.want {
			t.Errorf("isJSONContentType(%q) = %v, want %v", tc.ct, got, tc.want)
		}
	}
}
