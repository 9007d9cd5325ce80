package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nodecraft/playerdb/internal/apierr"
)

func testPolicy() Policy {
	return Policy{Prefix: "xbox", NotFound: "xbox.not_found", BadStatus: "xbox.bad_response_code"}
}

func TestFetchOK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("X-Authorization") != "key123" {
			t.Errorf("X-Authorization = %q", r.Header.Get("X-Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"profileUsers":[{"id":"253"}]}`)
	}))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(), Request{
		URL:     srv.URL,
		Headers: map[string]string{"X-Authorization": "key123"},
	}, testPolicy())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := res.JSON.Get("profileUsers.0.id").String(); got != "253" {
		t.Errorf("parsed id = %q", got)
	}
	if res.RequestType != "" {
		t.Errorf("request type = %q, want empty for fetch", res.RequestType)
	}
}

func TestFetchTriage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		status   int
		ct       string
		wantCode string
		wantHTTP int
	}{
		{"rate limited", 429, "application/json", "xbox.rate_limited", 429},
		{"not found", 404, "application/json", "xbox.not_found", 400},
		{"server error", 500, "application/json", "xbox.bad_response_code", 500},
		{"non json", 200, "text/html", "xbox.non_json", 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.ct)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{}`)
			}))
			defer srv.Close()

			c := NewClient(WithHTTPClient(srv.Client()))
			_, err := c.Fetch(context.Background(), Request{URL: srv.URL}, testPolicy())
			e := apierr.As(err)
			if e == nil {
				t.Fatalf("err = %v, want *apierr.Error", err)
			}
			if e.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tc.wantCode)
			}
			if e.HTTPStatus() != tc.wantHTTP {
				t.Errorf("http status = %d, want %d", e.HTTPStatus(), tc.wantHTTP)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()))
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond}, testPolicy())
	if !apierr.Is(err, "xbox.api_failure") {
		t.Errorf("err = %v, want xbox.api_failure", err)
	}
}

func TestFetchClassifyHook(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer srv.Close()

	p := Policy{
		Prefix: "minecraft",
		Classify: func(status int, _ []byte) *apierr.Error {
			if status == 204 {
				return apierr.Fail("minecraft.invalid_username")
			}
			return nil
		},
	}
	c := NewClient(WithHTTPClient(srv.Client()))
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL}, p)
	if !apierr.Is(err, "minecraft.invalid_username") {
		t.Errorf("err = %v, want minecraft.invalid_username", err)
	}
}

// rawServer accepts one connection and writes raw bytes in frames, exercising
// the read-everything-then-decode behavior.
func rawServer(t *testing.T, frames ...[]byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf) // consume the request
		for _, f := range frames {
			conn.Write(f)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// plainDialer bypasses TLS and connects straight to the fixture listener.
func plainDialer(addr string) func(ctx context.Context, _ string, _ string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func TestRawTLSReassemblesFrames(t *testing.T) {
	t.Parallel()

	// "é" is 0xC3 0xA9; split it across two TCP frames.
	body := `{"name":"Andr` + "é" + `"}`
	full := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	raw := []byte(full)
	split := len(raw) - 4 // inside the é bytes near the end
	ln := rawServer(t, raw[:split], raw[split:])

	c := NewClient(WithDialer(plainDialer(ln.Addr().String())))
	res, err := c.RawTLS(context.Background(), Request{URL: "https://example.com/profile"}, Policy{Prefix: "minecraft"})
	if err != nil {
		t.Fatalf("RawTLS: %v", err)
	}
	if got := res.JSON.Get("name").String(); got != "André" {
		t.Errorf("name = %q, want reassembled multi-byte value", got)
	}
	if res.RequestType != "tcp" {
		t.Errorf("request type = %q, want tcp", res.RequestType)
	}
}

func TestRawTLSChunked(t *testing.T) {
	t.Parallel()
	resp := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"7\r\n{\"id\":\"\r\n4\r\nab\"}\r\n0\r\n\r\n"
	ln := rawServer(t, []byte(resp))

	c := NewClient(WithDialer(plainDialer(ln.Addr().String())))
	res, err := c.RawTLS(context.Background(), Request{URL: "https://example.com/x"}, Policy{Prefix: "hytale"})
	if err != nil {
		t.Fatalf("RawTLS: %v", err)
	}
	if got := res.JSON.Get("id").String(); got != "ab" {
		t.Errorf("id = %q", got)
	}
}

func TestRawTLSGarbageIsAPIFailure(t *testing.T) {
	t.Parallel()
	ln := rawServer(t, []byte("not http at all"))

	c := NewClient(WithDialer(plainDialer(ln.Addr().String())))
	_, err := c.RawTLS(context.Background(), Request{URL: "https://example.com/x", Timeout: time.Second}, Policy{Prefix: "minecraft"})
	if !apierr.Is(err, "minecraft.api_failure") {
		t.Errorf("err = %v, want minecraft.api_failure", err)
	}
}

func TestRawTLSBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	c := NewClient(WithDialer(func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, fmt.Errorf("connect refused")
	}))

	p := Policy{Prefix: "minecraft"}
	req := Request{URL: "https://broken.example.com/x", Timeout: 100 * time.Millisecond}
	for range 6 {
		c.RawTLS(context.Background(), req, p)
	}

	// The breaker is now open: the failure is immediate and carries the
	// unavailable-path message rather than the dial error.
	_, err := c.RawTLS(context.Background(), req, p)
	e := apierr.As(err)
	if e == nil {
		t.Fatalf("err = %v", err)
	}
	if e.Message != "raw socket path unavailable" {
		t.Errorf("message = %q, want fast-fail from open breaker", e.Message)
	}
}

func TestProxyRelaysAndTags(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"username":"Rane"}`)
	}))
	defer srv.Close()

	c := NewClient(WithHTTPClient(srv.Client()), WithContainerProxies([]string{srv.URL}))
	res, err := c.Proxy(context.Background(), Request{URL: "https://account-data.hytale.com/profile/username/rane"}, Policy{Prefix: "hytale"})
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if res.RequestType != "container" {
		t.Errorf("request type = %q, want container", res.RequestType)
	}
	if res.JSON.Get("username").String() != "Rane" {
		t.Errorf("body = %s", res.Body)
	}
}

func TestProxyUnconfigured(t *testing.T) {
	t.Parallel()
	c := NewClient()
	_, err := c.Proxy(context.Background(), Request{URL: "https://x"}, Policy{Prefix: "hytale"})
	if !apierr.Is(err, "hytale.api_failure") {
		t.Errorf("err = %v, want hytale.api_failure", err)
	}
}
