package monitor

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// maxExtractBody caps how much of a body extraction will buffer. Conversation
// payloads are far smaller; anything bigger is not ours to inspect.
const maxExtractBody = 8 * 1024 * 1024

// ExtractRequestBody captures an outbound request's payload without consuming
// it: the body is rebuffered so the real call still sees the original bytes.
// JSON content types are parsed, with the raw text as fallback; other types
// are captured best-effort as text. Unreadable bodies yield nil. Extraction
// never fails the request.
func ExtractRequestBody(req *http.Request) any {
	if req == nil || req.Body == nil || req.Body == http.NoBody {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, maxExtractBody))
	req.Body.Close()
	// Restore the body regardless of read outcome so the real call is intact.
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if err != nil {
		slog.Debug("request body unreadable, skipping extraction", "url", req.URL.String(), "error", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	if isJSONContentType(req.Header.Get("Content-Type")) {
		return decodeJSON(data)
	}
	return string(data)
}

// ExtractResponseBody captures a fully buffered response body, restoring it
// for any later reader. Used on the reverse-proxy test path; the live
// transport prefers the tee in observedBody, which preserves streaming.
func ExtractResponseBody(resp *http.Response) any {
	if resp == nil || resp.Body == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		slog.Debug("response body unreadable, skipping extraction", "error", err)
		return nil
	}
	return DecodePayload(data)
}

// DecodePayload turns raw body bytes into a structured value when they are
// valid JSON, or the raw text otherwise. The engine treats a string result
// as an opaque payload.
func DecodePayload(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(strings.ToLower(ct), "json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
