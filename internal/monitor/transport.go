package monitor

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// Observer receives admitted exchanges. Implemented by the correlation
// engine; kept as an interface so the transport is testable in isolation.
type Observer interface {
	// ShouldLog is the admission check for a normalized URL.
	ShouldLog(url string) bool
	// Ingest receives the observed exchange. Called on its own goroutine;
	// must never block the caller's request path.
	Ingest(url string, responsePayload, requestPayload any)
}

// ObserverTransport wraps an http.RoundTripper to observe conversation
// traffic without disturbing it. The wrapped call's result — resolved
// response or error — reaches the caller unmodified, with unchanged timing:
// response bodies are teed as the caller reads them, never buffered up front.
//
// Interception failures are swallowed and logged. Only errors from the
// underlying round trip propagate.
type ObserverTransport struct {
	Inner    http.RoundTripper // nil means http.DefaultTransport
	Observer Observer
}

// NewObserverTransport wraps inner with observation for the given observer
func NewObserverTransport(inner http.RoundTripper, obs Observer) *ObserverTransport {
	return &ObserverTransport{Inner: inner, Observer: obs}
}

// RoundTrip implements http.RoundTripper
func (t *ObserverTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	inner := t.Inner
	if inner == nil {
		inner = http.DefaultTransport
	}

	url := req.URL.String()
	admitted := t.safeShouldLog(url)

	// Capture the request body before the real call consumes it. The body
	// is rebuffered in place, so the round trip below sees identical bytes.
	var requestBody any
	if admitted {
		requestBody = t.safeExtractRequest(req)
	}

	resp, err := inner.RoundTrip(req)
	if err != nil {
		// The caller owns this error; the engine is not informed.
		return nil, err
	}

	if admitted {
		t.observeResponse(url, resp, requestBody)
	}
	return resp, nil
}

// observeResponse swaps the response body for a tee that accumulates the
// bytes the caller reads and delivers the exchange once the body is fully
// read or closed.
func (t *ObserverTransport) observeResponse(url string, resp *http.Response, requestBody any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic observing response, exchange dropped", "url", url, "panic", r)
		}
	}()

	if resp.Body == nil {
		t.deliver(url, nil, requestBody)
		return
	}

	resp.Body = &observedBody{
		inner: resp.Body,
		deliver: func(data []byte) {
			t.deliver(url, DecodePayload(data), requestBody)
		},
	}
}

func (t *ObserverTransport) deliver(url string, responsePayload, requestPayload any) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic delivering exchange", "url", url, "panic", r)
			}
		}()
		t.Observer.Ingest(url, responsePayload, requestPayload)
	}()
}

func (t *ObserverTransport) safeShouldLog(url string) (admitted bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in admission check", "url", url, "panic", r)
			admitted = false
		}
	}()
	return t.Observer.ShouldLog(url)
}

func (t *ObserverTransport) safeExtractRequest(req *http.Request) (body any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic extracting request body", "url", req.URL.String(), "panic", r)
			body = nil
		}
	}()
	return ExtractRequestBody(req)
}

// observedBody tees a response body into a capture buffer as the caller
// reads it. Delivery fires exactly once, on EOF or Close, whichever comes
// first, so an abandoned body still delivers what was read.
type observedBody struct {
	inner   io.ReadCloser
	buf     bytes.Buffer
	once    sync.Once
	deliver func(data []byte)
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if n > 0 && b.buf.Len() < maxExtractBody {
		b.buf.Write(p[:n])
	}
	if err == io.EOF {
		b.fire()
	}
	return n, err
}

func (b *observedBody) Close() error {
	err := b.inner.Close()
	b.fire()
	return err
}

func (b *observedBody) fire() {
	b.once.Do(func() {
		b.deliver(b.buf.Bytes())
	})
}
