// Package xbox implements the Xbox Live lookup pipeline against the
// third-party profile provider: XUID or gamertag retrieval, business-error
// translation, settings normalization, and the negative not-found cache.
package xbox

import (
	"context"
	"net/url"
	"regexp"
	"sync"
	"time"
	"unicode"

	"github.com/tidwall/gjson"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/platform"
	"github.com/nodecraft/playerdb/internal/upstream"
)

const apiBase = "https://xbl.io/api/v2/"

var xuidRe = regexp.MustCompile(`^\d{1,16}$`)

// Lookup is the Xbox pipeline.
type Lookup struct {
	client platform.Caller
	cache  *cache.Facade
	apiKey string
	now    func() time.Time
}

// New returns the Xbox pipeline.
func New(client platform.Caller, c *cache.Facade, apiKey string) *Lookup {
	return &Lookup{client: client, cache: c, apiKey: apiKey, now: time.Now}
}

// policy translates the provider's odd conventions: business errors arrive
// as 200 bodies carrying a code and description.
func policy() upstream.Policy {
	return upstream.Policy{
		Prefix:    "xbox",
		BadStatus: "xbox.bad_response_code",
		Classify: func(status int, body []byte) *apierr.Error {
			if status != 200 {
				return nil
			}
			parsed := gjson.ParseBytes(body)
			code := parsed.Get("code")
			desc := parsed.Get("description")
			if !code.Exists() || !desc.Exists() {
				return nil
			}
			switch code.Int() {
			case 2, 28:
				return apierr.Fail("xbox.not_found")
			default:
				return apierr.Internal("xbox.bad_response", map[string]any{
					"error_code":  code.Int(),
					"description": desc.String(),
				})
			}
		},
	}
}

// Lookup resolves a gamertag or a 1-16 digit XUID to a profile.
func (l *Lookup) Lookup(ctx context.Context, query string) (*playerdb.PlayerProfile, error) {
	queryKey := platform.Key(playerdb.PlatformXbox, "profile", query)
	if p, negative, ok := l.cache.GetProfile(ctx, queryKey); ok {
		if negative {
			return nil, apierr.Fail("xbox.not_found")
		}
		return p, nil
	}

	var u string
	if xuidRe.MatchString(query) {
		u = apiBase + "account/" + query
	} else {
		u = apiBase + "friends/search?gt=" + url.QueryEscape(query)
	}

	res, err := l.client.Fetch(ctx, upstream.Request{
		URL:     u,
		Headers: map[string]string{"X-Authorization": l.apiKey},
	}, policy())
	if err != nil {
		if apierr.Is(err, "xbox.not_found") {
			l.cache.PutNegative(ctx, queryKey, platform.NegativeTTL)
		}
		return nil, err
	}

	profile, err := normalize(res.JSON)
	if err != nil {
		return nil, err
	}
	profile.Stamp(l.now())

	l.cache.PutProfile(ctx, queryKey, profile, platform.PersistTTL)
	if xuidKey := platform.Key(playerdb.PlatformXbox, "profile", profile.ID); xuidKey != queryKey {
		l.cache.PutProfile(ctx, xuidKey, profile, platform.PersistTTL)
	}
	return profile, nil
}

// normalize walks profileUsers[0].settings into the uniform profile.
func normalize(body gjson.Result) (*playerdb.PlayerProfile, error) {
	user := body.Get("profileUsers.0")
	if !user.Exists() {
		return nil, apierr.Internal("xbox.bad_response", map[string]any{
			"message": "response contains no profile users",
		})
	}

	meta := map[string]any{}
	var gamertag, avatar string
	var uniqueModern, modern, modernSuffix string
	for _, setting := range user.Get("settings").Array() {
		id := setting.Get("id").String()
		value := setting.Get("value").String()
		switch id {
		case "Gamertag":
			gamertag = value
		case "GameDisplayPicRaw":
			avatar = scrubAvatar(value)
		case "UniqueModernGamertag":
			uniqueModern = value
		case "ModernGamertag":
			modern = value
		case "ModernGamertagSuffix":
			modernSuffix = value
		default:
			meta[camelCase(id)] = value
		}
	}

	username := gamertag
	if username == "" {
		username = uniqueModern
	}
	if username == "" {
		username = modern
	}
	if username == "" {
		if v, ok := meta["realName"].(string); ok {
			username = v
		}
	}
	if avatar == "" && username != "" {
		avatar = "https://avatar-ssl.xboxlive.com/avatar/" + url.PathEscape(username) + "/avatarpic-l.png"
	}

	return &playerdb.PlayerProfile{
		ID:                   user.Get("id").String(),
		Username:             username,
		Avatar:               avatar,
		UniqueModernGamertag: uniqueModern,
		ModernGamertag:       modern,
		ModernGamertagSuffix: modernSuffix,
		Meta:                 meta,
	}, nil
}

// scrubAvatar strips the provider's mode=Padding parameter and pins the
// image to 180x180.
func scrubAvatar(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("mode") == "Padding" {
		q.Del("mode")
	}
	q.Set("h", "180")
	q.Set("w", "180")
	u.RawQuery = q.Encode()
	return u.String()
}

var (
	camelMu   sync.Mutex
	camelMemo = map[string]string{}
)

// camelCase lowercases the leading run of a PascalCase settings key,
// memoizing since the key universe is tiny and repeats on every request.
func camelCase(s string) string {
	camelMu.Lock()
	defer camelMu.Unlock()
	if v, ok := camelMemo[s]; ok {
		return v
	}
	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			break
		}
		// Keep the last upper of an acronym run capitalized: "XboxOneRep"
		// becomes "xboxOneRep", not "xboxonerep".
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(r)
	}
	out := string(runes)
	camelMemo[s] = out
	return out
}
