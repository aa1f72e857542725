package monitor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	cache "github.com/patrickmn/go-cache"
)

// PageScroller brings a message's on-page element into view. Implemented by
// the CDP tap; a nil scroller disables scroll-sync.
type PageScroller interface {
	ScrollToMessage(messageID string) error
}

// Tap observes a running Chrome instance over the DevTools protocol. It
// subscribes to Network events on the attached target, holds outbound
// request bodies until the matching response finishes loading, then fetches
// the response body and delivers the exchange to the observer.
//
// The tap is strictly passive: it never modifies, blocks, or replays the
// page's traffic.
type Tap struct {
	devtoolsURL string
	observer    Observer

	// pending holds admitted in-flight exchanges keyed by CDP request id.
	// TTL eviction covers requests whose loadingFinished never arrives
	// (navigations, aborted fetches).
	pending *cache.Cache

	ctx     context.Context
	cancels []context.CancelFunc
}

type pendingExchange struct {
	URL         string
	RequestBody string
}

// NewTap creates a tap for the given DevTools URL
func NewTap(devtoolsURL string, observer Observer) *Tap {
	return &Tap{
		devtoolsURL: devtoolsURL,
		observer:    observer,
		pending:     cache.New(2*time.Minute, 30*time.Second),
	}
}

// Start attaches to the browser and begins observing network events on the
// current target. Returns once the subscription is live.
func (t *Tap) Start(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, t.devtoolsURL)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	t.cancels = append(t.cancels, taskCancel, allocCancel)
	t.ctx = taskCtx

	if err := chromedp.Run(taskCtx, network.Enable()); err != nil {
		t.Stop()
		return fmt.Errorf("failed to enable network domain: %w", err)
	}

	chromedp.ListenTarget(taskCtx, t.onEvent)
	slog.Info("CDP tap attached", "devtools_url", t.devtoolsURL)
	return nil
}

// Stop detaches from the browser
func (t *Tap) Stop() {
	for i := len(t.cancels) - 1; i >= 0; i-- {
		t.cancels[i]()
	}
	t.cancels = nil
}

func (t *Tap) onEvent(ev interface{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling CDP event", "panic", r)
		}
	}()

	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		url := ev.Request.URL
		if !t.observer.ShouldLog(url) {
			return
		}
		t.pending.Set(string(ev.RequestID), &pendingExchange{
			URL:         url,
			RequestBody: requestPostData(ev.Request),
		}, cache.DefaultExpiration)

	case *network.EventLoadingFinished:
		id := string(ev.RequestID)
		v, ok := t.pending.Get(id)
		if !ok {
			return
		}
		t.pending.Delete(id)
		// Body fetch and ingest run off the event loop so slow exchanges
		// never stall event dispatch.
		go t.deliver(ev.RequestID, v.(*pendingExchange))

	case *network.EventLoadingFailed:
		t.pending.Delete(string(ev.RequestID))
	}
}

func (t *Tap) deliver(id network.RequestID, pe *pendingExchange) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic delivering CDP exchange", "url", pe.URL, "panic", r)
		}
	}()

	var body []byte
	err := chromedp.Run(t.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		// The body may already be evicted from the browser's buffer. The
		// request side is still worth correlating.
		slog.Debug("response body unavailable", "url", pe.URL, "error", err)
	}

	var requestPayload any
	if pe.RequestBody != "" {
		requestPayload = DecodePayload([]byte(pe.RequestBody))
	}
	t.observer.Ingest(pe.URL, DecodePayload(body), requestPayload)
}

var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ScrollToMessage asks the page to bring the element carrying the message id
// into view. A host-DOM side effect only; engine state is untouched.
func (t *Tap) ScrollToMessage(messageID string) error {
	if t.ctx == nil {
		return fmt.Errorf("tap not started")
	}
	if !messageIDPattern.MatchString(messageID) {
		return fmt.Errorf("invalid message id %q", messageID)
	}

	expr := fmt.Sprintf(
		`document.querySelector('[data-message-id="%s"]')?.scrollIntoView({behavior: "smooth", block: "center"})`,
		messageID,
	)
	return chromedp.Run(t.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, err := runtime.Evaluate(expr).Do(ctx)
		return err
	}))
}

// requestPostData reassembles the request body from CDP post data entries.
// Entries arrive base64-encoded; undecodable entries are kept raw rather
// than dropped.
func requestPostData(req *network.Request) string {
	if req == nil || len(req.PostDataEntries) == 0 {
		return ""
	}
	var out []byte
	for _, entry := range req.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			out = append(out, entry.Bytes...)
			continue
		}
		out = append(out, decoded...)
	}
	return string(out)
}
