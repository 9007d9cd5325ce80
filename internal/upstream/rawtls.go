package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/httpwire"
)

// dialUTLS opens a TCP connection to addr and performs a TLS handshake with
// a Chrome fingerprint, which keeps the socket path indistinguishable from
// browser traffic.
func dialUTLS(ctx context.Context, addr, serverName string) (net.Conn, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// RawTLS performs the call over a raw TLS socket: a minimal HTTP/1.1 GET is
// written, every byte is read off the socket and concatenated before any
// decoding (so multi-byte characters split across TCP frames reassemble),
// and the response is parsed by the httpwire codec. The socket is closed on
// success, timeout, and error alike. A per-host circuit breaker skips the
// path entirely while it is misbehaving.
func (c *Client) RawTLS(ctx context.Context, req Request, p Policy) (*Result, error) {
	u, err := url.Parse(req.fullURL())
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	host := u.Hostname()

	breaker := c.breakers.GetOrCreate(host)
	if !breaker.Allow() {
		return nil, apierr.Internal(p.code("api_failure"), map[string]any{
			"message": "raw socket path unavailable",
		})
	}

	res, err := c.rawTLSOnce(ctx, u, req, p)
	if err != nil {
		breaker.RecordError(classifyRawErr(err))
		return nil, err
	}
	breaker.RecordSuccess()
	if meta := playerdb.MetaFromContext(ctx); meta != nil {
		meta.RequestType = res.RequestType
	}
	return res, nil
}

func (c *Client) rawTLSOnce(ctx context.Context, u *url.URL, req Request, p Policy) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, req.timeout())
	defer cancel()

	host := u.Hostname()
	conn, err := c.dialTLS(ctx, net.JoinHostPort(host, "443"), host)
	if err != nil {
		return nil, p.wrapTransportErr(err)
	}
	defer conn.Close()

	// The context watchdog closes the socket on expiry, which unblocks any
	// pending read. The socket is owned exclusively by this call.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	target := u.RequestURI()
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Accept: application/json\r\n")
	for k, v := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Connection: close\r\n\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return nil, p.wrapTransportErr(err)
	}

	// Read every byte before decoding anything.
	raw, err := io.ReadAll(io.LimitReader(conn, maxBodyBytes))
	if err != nil && len(raw) == 0 {
		return nil, p.wrapTransportErr(err)
	}

	resp, err := httpwire.Parse(string(raw))
	if err != nil {
		return nil, apierr.Internal(p.code("api_failure"), map[string]any{
			"cause": err.Error(),
		})
	}

	if terr := p.triage(resp.Status, resp.Headers["content-type"], []byte(resp.Body)); terr != nil {
		return nil, terr
	}
	return newResult(resp.Status, []byte(resp.Body), "tcp"), nil
}

// classifyRawErr weighs a raw-path failure for the circuit breaker. Domain
// fails (invalid username, not found) are upstream answers, not path faults.
func classifyRawErr(err error) float64 {
	if e := apierr.As(err); e != nil {
		switch {
		case e.UserVisible():
			return 0
		case e.RateLimited():
			return 0.5
		}
		if e.Data != nil {
			if _, timeout := e.Data["timeout"]; timeout {
				return 1.5
			}
		}
	}
	return 1.0
}
