package upstream

import (
	"context"
	"encoding/json"
	"math/rand/v2"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
)

// proxyRequest is the body POSTed to a container proxy instance. The proxy
// issues the GET from its own IP and pipes the upstream response back
// verbatim, forcing its own User-Agent and a 10s timeout.
type proxyRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Proxy relays the call through one of the container proxy instances chosen
// uniformly at random.
func (c *Client) Proxy(ctx context.Context, req Request, p Policy) (*Result, error) {
	if len(c.proxies) == 0 {
		return nil, apierr.Internal(p.code("api_failure"), map[string]any{
			"message": "no container proxies configured",
		})
	}
	base := c.proxies[rand.IntN(len(c.proxies))]

	body, err := json.Marshal(proxyRequest{URL: req.fullURL(), Headers: req.Headers})
	if err != nil {
		return nil, p.wrapTransportErr(err)
	}

	res, err := c.Fetch(ctx, Request{
		URL:     base,
		Method:  "POST",
		Body:    body,
		Timeout: HytaleTimeout,
	}, p)
	if err != nil {
		return nil, err
	}
	res.RequestType = "container"
	if meta := playerdb.MetaFromContext(ctx); meta != nil {
		meta.RequestType = res.RequestType
	}
	return res, nil
}
