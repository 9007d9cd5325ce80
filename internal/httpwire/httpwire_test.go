package httpwire

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseContentLength(t *testing.T) {
	t.Parallel()

	body := `{"ok":true}`
	buf := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

	resp, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if resp.Status != 200 || resp.Message != "OK" {
		t.Errorf("status line = %d %q, want 200 OK", resp.Status, resp.Message)
	}
	if resp.Headers["content-type"] != "application/json" {
		t.Errorf("content-type = %q", resp.Headers["content-type"])
	}
	if resp.Body != body {
		t.Errorf("body = %q, want %q", resp.Body, body)
	}
}

func TestParseMultibyteContentLength(t *testing.T) {
	t.Parallel()

	// Content-Length counts bytes, not code points.
	body := `{"name":"Pokémon"}`
	buf := fmt.Sprintf("HTTP/1.0 200 OK\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

	resp, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if resp.Body != body {
		t.Errorf("body = %q, want %q", resp.Body, body)
	}
}

func TestParseHeaderValueWhitespace(t *testing.T) {
	t.Parallel()

	buf := "HTTP/1.1 204 No Content\r\nX-One:no-space\r\nX-Two: one-space\r\nX-Three:  two-spaces\r\nContent-Length: 0\r\n\r\n"
	resp, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]string{
		"x-one":   "no-space",
		"x-two":   "one-space",
		"x-three": " two-spaces", // only a single leading space is trimmed
	}
	for k, v := range want {
		if resp.Headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, resp.Headers[k], v)
		}
	}
}

func TestParseFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		buf  string
		want error
	}{
		{"no terminator", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n", ErrNoHeaderTerminator},
		{"bad status line", "HTTP/2 200 OK\r\n\r\n", ErrInvalidStatusLine},
		{"garbage status line", "banana\r\n\r\n", ErrInvalidStatusLine},
		{"header without colon", "HTTP/1.1 200 OK\r\nbroken header\r\nContent-Length: 0\r\n\r\n", ErrMalformedHeader},
		{"no length", "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nhi", ErrUnknownBodyLength},
		{"non-integer length", "HTTP/1.1 200 OK\r\nContent-Length: abc\r\n\r\nhi", ErrContentLengthInvalid},
		{"negative length", "HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\nhi", ErrContentLengthInvalid},
		{"length mismatch", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhi", ErrContentLengthMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.buf)
			if !errors.Is(err, tc.want) {
				t.Errorf("Parse error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseChunked(t *testing.T) {
	t.Parallel()

	buf := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	resp, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if resp.Body != "hello world" {
		t.Errorf("body = %q, want %q", resp.Body, "hello world")
	}
}

func TestDecodeChunked(t *testing.T) {
	t.Parallel()

	got, err := DecodeChunked("5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	if err != nil {
		t.Fatalf("DecodeChunked: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestDecodeChunkedExtensions(t *testing.T) {
	t.Parallel()

	got, err := DecodeChunked("5;name=value\r\nhello\r\n0\r\n\r\n")
	if err != nil {
		t.Fatalf("DecodeChunked: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestDecodeChunkedFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		buf  string
		want error
	}{
		{"missing terminator", "5\r\nhello\r\n", ErrChunkNoTerminator},
		{"size beyond input", "ff\r\nhello\r\n0\r\n\r\n", ErrChunkTruncated},
		{"non-hex size", "zz\r\nhello\r\n0\r\n\r\n", ErrChunkSizeLine},
		{"size with leading space", " 5\r\nhello\r\n0\r\n\r\n", ErrChunkSizeLine},
		{"size with trailing space", "5 \r\nhello\r\n0\r\n\r\n", ErrChunkSizeLine},
		{"size line without CRLF", "5", ErrChunkSizeLine},
		{"data not CRLF terminated", "5\r\nhelloX0\r\n\r\n", ErrChunkSizeLine},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeChunked(tc.buf)
			if !errors.Is(err, tc.want) {
				t.Errorf("DecodeChunked error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeChunkedLarge(t *testing.T) {
	t.Parallel()

	// Two max-line chunks to exercise the size parse on longer bodies.
	chunk := strings.Repeat("a", 0x1000)
	buf := fmt.Sprintf("1000\r\n%s\r\n1000\r\n%s\r\n0\r\n\r\n", chunk, chunk)
	got, err := DecodeChunked(buf)
	if err != nil {
		t.Fatalf("DecodeChunked: %v", err)
	}
	if got != chunk+chunk {
		t.Errorf("decoded %d bytes, want %d", len(got), 2*len(chunk))
	}
}
