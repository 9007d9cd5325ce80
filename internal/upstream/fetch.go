package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/nodecraft/playerdb/internal/circuitbreaker"
)

// maxBodyBytes caps upstream response bodies; profile payloads are small.
const maxBodyBytes = 1 << 20

// Client executes upstream calls. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	breakers *circuitbreaker.Registry
	proxies  []string // container proxy base URLs

	// dialTLS opens the raw socket for the raw-TLS path; a test seam.
	dialTLS func(ctx context.Context, addr, serverName string) (net.Conn, error)
}

// Option configures a Client.
type Option func(*Client)

// WithContainerProxies sets the off-box proxy instances (at most three).
func WithContainerProxies(urls []string) Option {
	return func(c *Client) { c.proxies = urls }
}

// WithHTTPClient overrides the HTTP client; used by tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithDialer overrides the raw-TLS dialer; used by tests.
func WithDialer(dial func(ctx context.Context, addr, serverName string) (net.Conn, error)) Option {
	return func(c *Client) { c.dialTLS = dial }
}

// NewClient returns a Client with a tuned transport, DNS caching, and a
// circuit breaker per raw-TLS host.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: newTransport(&dnscache.Resolver{}),
		},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		dialTLS:  dialUTLS,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newTransport returns a pooled *http.Transport resolving hosts through the
// DNS cache.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     128,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil || len(ips) == 0 {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// Fetch performs a regular HTTPS call with the per-call timeout and the
// common triage rules.
func (c *Client) Fetch(ctx context.Context, req Request, p Policy) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.fullURL(), body)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.CacheTTL > 0 {
		// Hint for the runtime's ambient fetch cache; harmless elsewhere.
		httpReq.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", int(req.CacheTTL.Seconds())))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, p.wrapTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, p.wrapTransportErr(err)
	}

	if terr := p.triage(resp.StatusCode, resp.Header.Get("Content-Type"), raw); terr != nil {
		return nil, terr
	}
	return newResult(resp.StatusCode, raw, ""), nil
}
