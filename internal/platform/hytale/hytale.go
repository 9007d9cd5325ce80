// Package hytale implements the Hytale lookup pipeline and the OAuth token
// plus game-session pool manager behind it. Profile calls ride pooled
// session credentials; the transport ladder runs raw TLS, plain fetch, the
// container proxy with a different session, and finally the vendor API.
package hytale

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/platform"
	"github.com/nodecraft/playerdb/internal/platform/minecraft"
	"github.com/nodecraft/playerdb/internal/upstream"
)

const (
	profileBase = "https://account-data.hytale.com"
	avatarBase  = "https://crafthead.net/hytale/avatar/"
)

var (
	usernameRe = regexp.MustCompile(`^\w{3,16}$`)
	uuidRe     = regexp.MustCompile(`^[\da-f]{8}(-?[\da-f]{4}){3}-?[\da-f]{12}$`)
)

// Config holds the pipeline's transport settings.
type Config struct {
	RawTLS        bool
	VendorAPIBase string
	VendorKey     string
}

// Lookup is the Hytale pipeline.
type Lookup struct {
	client  platform.Caller
	cache   *cache.Facade
	manager *Manager
	cfg     Config
	now     func() time.Time
}

// New returns the Hytale pipeline.
func New(client platform.Caller, c *cache.Facade, manager *Manager, cfg Config) *Lookup {
	return &Lookup{client: client, cache: c, manager: manager, cfg: cfg, now: time.Now}
}

func policy() upstream.Policy {
	return upstream.Policy{
		Prefix:      "hytale",
		NotFound:    "hytale.not_found",
		AuthFailure: "hytale.auth_failure",
	}
}

// Lookup resolves a Hytale username or UUID to a profile. An auth failure
// anywhere invalidates the manager's tokens and retries exactly once with a
// forced fresh session.
func (l *Lookup) Lookup(ctx context.Context, query string) (*playerdb.PlayerProfile, error) {
	lower := strings.ToLower(query)
	isUUID := uuidRe.MatchString(lower)
	if !isUUID && !usernameRe.MatchString(query) {
		return nil, apierr.Fail("hytale.invalid_identifier")
	}

	queryKey := platform.Key(playerdb.PlatformHytale, "profile", query)
	if p, _, ok := l.cache.GetProfile(ctx, queryKey); ok {
		return p, nil
	}

	res, err := l.fetchProfile(ctx, lower, isUUID, false)
	if err != nil {
		if e := apierr.As(err); e != nil && e.AuthFailure() {
			if ierr := l.manager.InvalidateTokens(ctx); ierr != nil {
				return nil, ierr
			}
			res, err = l.fetchProfile(ctx, lower, isUUID, true)
		}
		if err != nil {
			return nil, err
		}
	}

	profile := normalize(res.JSON)
	if profile.RawID == "" {
		return nil, apierr.Internal("hytale.api_failure", map[string]any{
			"message": "profile response carries no uuid",
		})
	}
	profile.Stamp(l.now())

	l.writeKeys(ctx, queryKey, profile)
	return profile, nil
}

// writeKeys stores the profile under the original query, the UUID, and the
// username, skipping duplicates.
func (l *Lookup) writeKeys(ctx context.Context, queryKey string, p *playerdb.PlayerProfile) {
	keys := []string{queryKey}
	for _, ident := range []string{p.ID, p.Username} {
		if ident == "" {
			continue
		}
		key := platform.Key(playerdb.PlatformHytale, "profile", ident)
		dup := false
		for _, seen := range keys {
			if key == seen {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		l.cache.PutProfile(ctx, key, p, platform.HytalePersistTTL)
	}
}

// fetchProfile walks the transport ladder with a pooled session credential.
func (l *Lookup) fetchProfile(ctx context.Context, ident string, isUUID, force bool) (*upstream.Result, error) {
	session, err := l.manager.GetSessionToken(ctx, force)
	if err != nil {
		return nil, err
	}

	path := "/profile/username/" + url.PathEscape(ident)
	if isUUID {
		path = "/profile/uuid/" + url.PathEscape(ident)
	}
	u := profileBase + path
	p := policy()
	headers := map[string]string{"Authorization": "Bearer " + session}

	if l.cfg.RawTLS {
		res, err := l.client.RawTLS(ctx, upstream.Request{URL: u, Headers: headers}, p)
		if err == nil {
			return res, nil
		}
		l.noteRateLimit(ctx, err, session)
		if !platform.Fallthrough(err) || isAuthFailure(err) {
			return nil, err
		}
	}

	res, err := l.client.Fetch(ctx, upstream.Request{
		URL:     u,
		Headers: headers,
		Timeout: upstream.HytaleTimeout,
	}, p)
	if err == nil {
		return res, nil
	}
	l.noteRateLimit(ctx, err, session)
	if !platform.Fallthrough(err) || isAuthFailure(err) {
		return nil, err
	}

	// The container exits from a different IP; pair it with a different
	// session so one throttled credential does not poison the attempt.
	containerSession, serr := l.manager.GetSessionTokenForContainer(ctx)
	if serr == nil {
		res, err = l.client.Proxy(ctx, upstream.Request{
			URL:     u,
			Headers: map[string]string{"Authorization": "Bearer " + containerSession},
		}, p)
		if err == nil {
			return res, nil
		}
		l.noteRateLimit(ctx, err, containerSession)
		if !platform.Fallthrough(err) || isAuthFailure(err) {
			return nil, err
		}
	}

	if l.cfg.VendorAPIBase != "" {
		vendorSession := session
		if serr == nil {
			vendorSession = containerSession
		}
		return l.vendorCall(ctx, path, vendorSession, p)
	}
	return nil, err
}

// vendorCall replays the profile path against the vendor API, passing the
// session token in the query. An implementation hatch, not a stable contract.
func (l *Lookup) vendorCall(ctx context.Context, path, session string, p upstream.Policy) (*upstream.Result, error) {
	q := url.Values{}
	q.Set("session", session)
	return l.client.Fetch(ctx, upstream.Request{
		URL:     strings.TrimRight(l.cfg.VendorAPIBase, "/") + path,
		Query:   q,
		Headers: map[string]string{"X-API-Key": l.cfg.VendorKey},
		Timeout: upstream.HytaleTimeout,
	}, p)
}

// noteRateLimit reports a 429 back to the manager so the implicated session
// cools down and the pool can grow.
func (l *Lookup) noteRateLimit(ctx context.Context, err error, session string) {
	if e := apierr.As(err); e != nil && e.RateLimited() {
		l.manager.ReportRateLimit(ctx, session)
	}
}

func isAuthFailure(err error) bool {
	e := apierr.As(err)
	return e != nil && e.AuthFailure()
}

// normalize builds the uniform profile from an account-data response. The
// skin document is forwarded as parsed JSON, or null when absent.
func normalize(body gjson.Result) *playerdb.PlayerProfile {
	raw := strings.ToLower(strings.ReplaceAll(body.Get("uuid").String(), "-", ""))

	var skin json.RawMessage
	if s := body.Get("skin"); s.Exists() && s.Type == gjson.JSON {
		skin = json.RawMessage(s.Raw)
	} else {
		skin = json.RawMessage("null")
	}

	return &playerdb.PlayerProfile{
		ID:       minecraft.FormatUUID(raw),
		RawID:    raw,
		Username: body.Get("username").String(),
		Avatar:   avatarBase + raw,
		Skin:     skin,
		Meta:     map[string]any{},
	}
}
