// Package upstream implements the resilient call layer used by every
// platform pipeline: a plain HTTPS fetch, a raw-TLS socket path that dodges
// IP-level rate limits, and an off-box container proxy. All three share the
// same per-call timeout, JSON content-type check, and status-code triage.
package upstream

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nodecraft/playerdb/internal/apierr"
)

const (
	// DefaultTimeout bounds most upstream calls.
	DefaultTimeout = 5 * time.Second
	// HytaleTimeout is the longer bound used for Hytale HTTP calls.
	HytaleTimeout = 10 * time.Second
)

// Request describes one upstream call.
type Request struct {
	URL      string
	Method   string // default GET
	Headers  map[string]string
	Query    url.Values
	Body     []byte        // JSON body for POSTs
	Timeout  time.Duration // default DefaultTimeout
	CacheTTL time.Duration // outbound cache hint for the runtime fetch cache
}

func (r *Request) method() string {
	if r.Method == "" {
		return "GET"
	}
	return r.Method
}

func (r *Request) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// fullURL appends the query parameters, if any.
func (r *Request) fullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	return r.URL + sep + r.Query.Encode()
}

// Result is a parsed upstream response. JSON is the zero Result when the
// body failed to parse; callers treat that as an empty body.
type Result struct {
	Status      int
	Body        []byte
	JSON        gjson.Result
	RequestType string // "" for fetch, "tcp", or "container"
}

// Policy maps upstream responses to the owning platform's error codes.
type Policy struct {
	Prefix      string // "minecraft", "steam", "xbox", "hytale"
	NotFound    string // code for 404; empty means 404 is an api_failure
	AuthFailure string // code for 401/403; empty means they are api_failures
	BadStatus   string // code for other non-200s; empty means api_failure

	// Classify, when set, runs before the standard triage and may claim a
	// response entirely (e.g. Mojang's 204-means-no-such-name).
	Classify func(status int, body []byte) *apierr.Error
}

func (p Policy) code(suffix string) string { return p.Prefix + "." + suffix }

// triage applies the common status and content-type rules. A nil return
// means the response is a usable 200.
func (p Policy) triage(status int, contentType string, body []byte) *apierr.Error {
	if p.Classify != nil {
		if err := p.Classify(status, body); err != nil {
			return err
		}
	}

	switch {
	case status == 200:
		if !strings.Contains(strings.ToLower(contentType), "json") {
			return apierr.Internal(p.code("non_json"), map[string]any{
				"content_type": contentType,
			})
		}
		return nil
	case status == 429:
		return apierr.Internal(p.code("rate_limited"))
	case (status == 401 || status == 403) && p.AuthFailure != "":
		return apierr.Internal(p.AuthFailure, map[string]any{"status": status})
	case status == 404 && p.NotFound != "":
		return apierr.Fail(p.NotFound)
	default:
		code := p.BadStatus
		if code == "" {
			code = p.code("api_failure")
		}
		return apierr.Internal(code, map[string]any{"status": status})
	}
}

// wrapTransportErr converts transport-level failures (timeouts, refused
// connections) into the platform's api_failure.
func (p Policy) wrapTransportErr(err error) *apierr.Error {
	if e := apierr.As(err); e != nil {
		return e
	}
	data := map[string]any{"cause": err.Error()}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		data["timeout"] = true
	}
	return apierr.Internal(p.code("api_failure"), data)
}

// newResult builds a Result, parsing the body as JSON when possible.
// A malformed body yields an empty JSON result rather than an error.
func newResult(status int, body []byte, requestType string) *Result {
	res := &Result{Status: status, Body: body, RequestType: requestType}
	if gjson.ValidBytes(body) {
		res.JSON = gjson.ParseBytes(body)
	}
	return res
}
