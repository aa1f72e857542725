package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// Proxy is a local reverse proxy that forwards to the monitored upstream
// through an ObserverTransport. Pointing a client at the proxy makes its
// conversation traffic observable without any client-side changes.
type Proxy struct {
	upstream *url.URL
	server   *http.Server
}

// NewProxy builds a reverse proxy for upstream whose round trips go through
// the observer transport
func NewProxy(upstream string, transport *ObserverTransport) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy upstream %q: %w", upstream, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy upstream %q must include scheme and host", upstream)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = transport

	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		// Present the upstream's own host so admission patterns and the
		// upstream's virtual hosting both see the real hostname.
		req.Host = target.Host
	}

	return &Proxy{
		upstream: target,
		server: &http.Server{
			Handler:           rp,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}, nil
}

// Handler exposes the proxy handler for embedding and tests
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler
}

// Start listens on the given port. Blocks until the listener fails or the
// proxy is shut down.
func (p *Proxy) Start(port string) error {
	p.server.Addr = ":" + port
	log.Printf("🔀 Observing reverse proxy for %s listening on :%s", p.upstream, port)
	if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the proxy listener
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}
