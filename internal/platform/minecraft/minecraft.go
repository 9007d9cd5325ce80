// Package minecraft implements the Mojang lookup pipeline: name resolution
// against api.minecraftservices.com, profile retrieval against
// sessionserver.mojang.com, and the raw-TLS first transport ladder with a
// host-rewrite proxy and a vendor API as the last resorts.
package minecraft

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/platform"
	"github.com/nodecraft/playerdb/internal/upstream"
)

const (
	nameLookupBase = "https://api.minecraftservices.com/minecraft/profile/lookup/name/"
	profileBase    = "https://sessionserver.mojang.com/session/minecraft/profile/"
	avatarBase     = "https://crafthead.net/avatar/"
)

// noProfileMarker appears in Mojang 404 bodies for unknown usernames.
const noProfileMarker = "Couldn't find any profile with name"

var identRe = regexp.MustCompile(`^[\w-]+$`)

// Config holds the fallback endpoints for the Mojang transport ladder.
type Config struct {
	RawTLS        bool   // prefer the raw socket path
	ProxyURL      string // host rewrite target on 429/403
	VendorAPIBase string // last-resort vendor API
	VendorKey     string
}

// Lookup is the Minecraft pipeline.
type Lookup struct {
	client platform.Caller
	cache  *cache.Facade
	cfg    Config
	now    func() time.Time
}

// New returns the Minecraft pipeline.
func New(client platform.Caller, c *cache.Facade, cfg Config) *Lookup {
	return &Lookup{client: client, cache: c, cfg: cfg, now: time.Now}
}

func policy() upstream.Policy {
	return upstream.Policy{
		Prefix: "minecraft",
		Classify: func(status int, body []byte) *apierr.Error {
			if status == 204 {
				return apierr.Fail("minecraft.invalid_username")
			}
			if status == 404 && bytes.Contains(body, []byte(noProfileMarker)) {
				return apierr.Fail("minecraft.invalid_username")
			}
			return nil
		},
	}
}

// Lookup resolves a username, dashed UUID, or raw UUID to a profile.
func (l *Lookup) Lookup(ctx context.Context, query string) (*playerdb.PlayerProfile, error) {
	if !identRe.MatchString(query) {
		return nil, apierr.Fail("minecraft.invalid_username")
	}

	var raw, usernameKey string
	switch len(query) {
	case 32:
		raw = strings.ToLower(query)
	case 36:
		raw = strings.ToLower(strings.ReplaceAll(query, "-", ""))
		if len(raw) != 32 {
			return nil, apierr.Fail("minecraft.invalid_username")
		}
	default:
		usernameKey = platform.Key(playerdb.PlatformMinecraft, "username", query)
		if p, _, ok := l.cache.GetProfile(ctx, usernameKey); ok {
			return p, nil
		}
		var err error
		raw, err = l.resolveName(ctx, query)
		if err != nil {
			return nil, err
		}
	}

	profileKey := platform.Key(playerdb.PlatformMinecraft, "profile", raw)
	if p, _, ok := l.cache.GetProfile(ctx, profileKey); ok {
		if usernameKey != "" {
			l.cache.PutProfile(ctx, usernameKey, p, platform.PersistTTL)
		}
		return p, nil
	}

	res, err := l.call(ctx, profileBase+raw+"?unsigned=false")
	if err != nil {
		return nil, err
	}

	profile := normalize(raw, res.JSON)
	profile.Stamp(l.now())

	l.cache.PutProfile(ctx, profileKey, profile, platform.PersistTTL)
	if usernameKey != "" {
		l.cache.PutProfile(ctx, usernameKey, profile, platform.PersistTTL)
	}
	return profile, nil
}

// resolveName maps a username to its raw UUID via the name lookup endpoint.
func (l *Lookup) resolveName(ctx context.Context, name string) (string, error) {
	u := fmt.Sprintf("%s%s?date=%d", nameLookupBase, url.PathEscape(name), l.now().UnixMilli())
	res, err := l.call(ctx, u)
	if err != nil {
		return "", err
	}
	raw := strings.ToLower(res.JSON.Get("id").String())
	if len(raw) != 32 {
		return "", apierr.Internal("minecraft.api_failure", map[string]any{
			"message": "name lookup returned no id",
		})
	}
	return raw, nil
}

// call walks the transport ladder: raw TLS, plain fetch, host-rewrite proxy
// on a rate limit or block, then the vendor API. Domain answers stop the
// ladder immediately.
func (l *Lookup) call(ctx context.Context, u string) (*upstream.Result, error) {
	p := policy()

	if l.cfg.RawTLS {
		res, err := l.client.RawTLS(ctx, upstream.Request{URL: u}, p)
		if err == nil {
			return res, nil
		}
		if !platform.Fallthrough(err) {
			return nil, err
		}
	}

	res, err := l.client.Fetch(ctx, upstream.Request{URL: u, CacheTTL: platform.EdgeTTL}, p)
	if err == nil {
		return res, nil
	}
	if !platform.Fallthrough(err) {
		return nil, err
	}

	if l.cfg.ProxyURL != "" && blockedUpstream(err) {
		res, err = l.client.Fetch(ctx, upstream.Request{URL: rewriteHost(u, l.cfg.ProxyURL)}, p)
		if err == nil {
			return res, nil
		}
		if !platform.Fallthrough(err) {
			return nil, err
		}
	}

	if l.cfg.VendorAPIBase != "" {
		return l.vendorCall(ctx, u, p)
	}
	return nil, err
}

// vendorCall replays the Mojang path against the vendor API with a key.
func (l *Lookup) vendorCall(ctx context.Context, orig string, p upstream.Policy) (*upstream.Result, error) {
	u, err := url.Parse(orig)
	if err != nil {
		return nil, apierr.Internal("minecraft.api_failure", map[string]any{"cause": err.Error()})
	}
	return l.client.Fetch(ctx, upstream.Request{
		URL:     strings.TrimRight(l.cfg.VendorAPIBase, "/") + u.RequestURI(),
		Headers: map[string]string{"X-API-Key": l.cfg.VendorKey},
	}, p)
}

// blockedUpstream reports a 429 or 403 answer, the signals that the caller's
// IP is being throttled and an off-box exit is worth trying.
func blockedUpstream(err error) bool {
	e := apierr.As(err)
	if e == nil {
		return false
	}
	if e.RateLimited() {
		return true
	}
	if e.Data != nil {
		if s, ok := e.Data["status"].(int); ok && s == 403 {
			return true
		}
	}
	return false
}

// rewriteHost swaps the scheme and host of u for the proxy's, keeping the
// path and query intact.
func rewriteHost(orig, proxyBase string) string {
	u, err := url.Parse(orig)
	if err != nil {
		return orig
	}
	p, err := url.Parse(proxyBase)
	if err != nil {
		return orig
	}
	u.Scheme = p.Scheme
	u.Host = p.Host
	return u.String()
}

// normalize builds the uniform profile from a session server response.
func normalize(raw string, body gjson.Result) *playerdb.PlayerProfile {
	profile := &playerdb.PlayerProfile{
		ID:          FormatUUID(raw),
		RawID:       raw,
		Username:    body.Get("name").String(),
		Avatar:      avatarBase + raw,
		NameHistory: json.RawMessage(`[]`),
		Meta:        map[string]any{},
	}

	for _, prop := range body.Get("properties").Array() {
		profile.Properties = append(profile.Properties, json.RawMessage(prop.Raw))
		if prop.Get("name").String() != "textures" {
			continue
		}
		if profile.SkinTexture != "" {
			continue // first textures entry wins
		}
		decoded, err := base64.StdEncoding.DecodeString(prop.Get("value").String())
		if err != nil {
			continue
		}
		textures := gjson.GetBytes(decoded, "textures")
		profile.SkinTexture = textures.Get("SKIN.url").String()
		profile.CapeTexture = textures.Get("CAPE.url").String()
	}
	return profile
}

// FormatUUID renders a 32-char raw UUID in the dashed 8-4-4-4-12 form.
func FormatUUID(raw string) string {
	if len(raw) != 32 {
		return raw
	}
	return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:32]
}
