// Package httpwire parses a complete HTTP/1.x response out of a single byte
// buffer. It exists for the raw-TLS transport, which reads every byte off the
// socket before decoding so that multi-byte characters split across TCP
// frames are reassembled. net/http.ReadResponse decodes incrementally from a
// reader and hides the framing errors we need to detect, so the parsing is
// done by hand here.
package httpwire

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parse failures. Callers match with errors.Is.
var (
	ErrNoHeaderTerminator    = errors.New("no header terminator")
	ErrInvalidStatusLine     = errors.New("invalid status line")
	ErrMalformedHeader       = errors.New("malformed header line")
	ErrContentLengthInvalid  = errors.New("invalid content-length")
	ErrContentLengthMismatch = errors.New("content-length mismatch")
	ErrUnknownBodyLength     = errors.New("unable to determine body length")

	ErrChunkSizeLine     = errors.New("malformed chunk size line")
	ErrChunkTruncated    = errors.New("chunk data exceeds remaining input")
	ErrChunkNoTerminator = errors.New("missing terminating zero-size chunk")
)

// Response is a parsed HTTP/1.x response.
type Response struct {
	Status  int
	Message string
	Headers map[string]string // keys lowercased
	Body    string
}

var statusLineRe = regexp.MustCompile(`^HTTP/1\.[01] (\d{3}) ?(.*)$`)

// Parse splits buf once at the first CRLFCRLF, parses the status line and
// headers, and resolves the body using Transfer-Encoding or Content-Length.
// Content-Length is compared against the byte length of the raw body, not
// the code point count.
func Parse(buf string) (*Response, error) {
	head, body, found := strings.Cut(buf, "\r\n\r\n")
	if !found {
		return nil, ErrNoHeaderTerminator
	}

	lines := strings.Split(head, "\r\n")
	m := statusLineRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusLine, lines[0])
	}
	status, _ := strconv.Atoi(m[1])

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		// A single leading space or tab after the colon is framing, not value.
		if len(val) > 0 && (val[0] == ' ' || val[0] == '\t') {
			val = val[1:]
		}
		headers[strings.ToLower(key)] = val
	}

	resp := &Response{Status: status, Message: m[2], Headers: headers}

	switch {
	case strings.EqualFold(headers["transfer-encoding"], "chunked"):
		decoded, err := DecodeChunked(body)
		if err != nil {
			return nil, err
		}
		resp.Body = decoded
	case headers["content-length"] != "":
		n, err := strconv.Atoi(headers["content-length"])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrContentLengthInvalid, headers["content-length"])
		}
		if n != len(body) {
			return nil, fmt.Errorf("%w: declared %d, got %d bytes", ErrContentLengthMismatch, n, len(body))
		}
		resp.Body = body
	default:
		return nil, ErrUnknownBodyLength
	}

	return resp, nil
}

// DecodeChunked decodes an HTTP/1.1 chunked body. Each chunk is a hex size
// line (chunk extensions after ';' are ignored) followed by exactly that many
// bytes and a CRLF. The zero-size terminator chunk is required.
func DecodeChunked(buf string) (string, error) {
	var out strings.Builder
	rest := buf
	for {
		line, remainder, ok := strings.Cut(rest, "\r\n")
		if !ok {
			if rest == "" {
				return "", ErrChunkNoTerminator
			}
			return "", fmt.Errorf("%w: no CRLF after %q", ErrChunkSizeLine, line)
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		// ParseUint rejects leading/trailing whitespace, so " 5" is malformed.
		size, err := strconv.ParseUint(line, 16, 63)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrChunkSizeLine, line)
		}
		if size == 0 {
			return out.String(), nil
		}
		if uint64(len(remainder)) < size {
			return "", fmt.Errorf("%w: claimed %d, %d remaining", ErrChunkTruncated, size, len(remainder))
		}
		out.WriteString(remainder[:size])
		rest = remainder[size:]
		if !strings.HasPrefix(rest, "\r\n") {
			return "", fmt.Errorf("%w: chunk data not followed by CRLF", ErrChunkSizeLine)
		}
		rest = rest[2:]
	}
}
