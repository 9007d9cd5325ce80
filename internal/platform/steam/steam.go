// Package steam implements the Steam lookup pipeline: vanity resolution,
// SteamID canonicalization across the STEAM_, [U:...], and 64-bit forms, and
// profile retrieval via GetPlayerSummaries.
package steam

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/k64z/steamstacks/steamid"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/platform"
	"github.com/nodecraft/playerdb/internal/upstream"
)

const apiBase = "https://api.steampowered.com/ISteamUser/"

// Lookup is the Steam pipeline.
type Lookup struct {
	client platform.Caller
	cache  *cache.Facade
	keys   []string
	now    func() time.Time

	// pickKey selects one API key; a seam for deterministic tests.
	pickKey func(n int) int
}

// New returns the Steam pipeline. keys holds up to four API keys; one is
// picked uniformly at random per call to spread per-key quota.
func New(client platform.Caller, c *cache.Facade, keys []string) *Lookup {
	return &Lookup{client: client, cache: c, keys: keys, now: time.Now, pickKey: rand.IntN}
}

func policy() upstream.Policy {
	return upstream.Policy{Prefix: "steam"}
}

func (l *Lookup) key() string {
	if len(l.keys) == 0 {
		return ""
	}
	return l.keys[l.pickKey(len(l.keys))]
}

// Lookup resolves a vanity name, SteamID2, SteamID3, or Steam64 to a profile.
func (l *Lookup) Lookup(ctx context.Context, query string) (*playerdb.PlayerProfile, error) {
	queryKey := platform.Key(playerdb.PlatformSteam, "profile", query)
	if p, _, ok := l.cache.GetProfile(ctx, queryKey); ok {
		return p, nil
	}

	candidate := query
	if !looksLikeID(query) {
		if resolved := l.resolveVanity(ctx, query); resolved != "" {
			candidate = resolved
		}
	}

	sid, ok := parseSteamID(candidate)
	if !ok {
		return nil, apierr.Fail("steam.invalid_id")
	}
	steam64 := strconv.FormatUint(sid.ToSteamID64(), 10)

	summary, err := l.fetchSummary(ctx, steam64)
	if err != nil {
		return nil, err
	}

	profile := normalize(sid, steam64, summary)
	profile.Stamp(l.now())

	l.cache.PutProfile(ctx, queryKey, profile, platform.PersistTTL)
	if id64Key := platform.Key(playerdb.PlatformSteam, "profile", steam64); id64Key != queryKey {
		l.cache.PutProfile(ctx, id64Key, profile, platform.PersistTTL)
	}
	return profile, nil
}

// looksLikeID reports whether query is already one of the SteamID text forms
// rather than a vanity name.
func looksLikeID(query string) bool {
	for _, prefix := range []string{"STEAM_", "7656119", "U:", "[U:"} {
		if strings.HasPrefix(query, prefix) {
			return true
		}
	}
	return false
}

// resolveVanity maps a vanity name to a Steam64 string, or "" on any
// failure; the caller falls back to parsing the original query.
func (l *Lookup) resolveVanity(ctx context.Context, name string) string {
	q := url.Values{}
	q.Set("key", l.key())
	q.Set("vanityurl", name)
	res, err := l.client.Fetch(ctx, upstream.Request{
		URL:   apiBase + "ResolveVanityURL/v1/",
		Query: q,
	}, policy())
	if err != nil {
		return ""
	}
	if res.JSON.Get("response.success").Int() != 1 {
		return ""
	}
	return res.JSON.Get("response.steamid").String()
}

// fetchSummary returns the first player summary for a Steam64 id. An empty
// players array means the id does not exist.
func (l *Lookup) fetchSummary(ctx context.Context, steam64 string) (*upstream.Result, error) {
	q := url.Values{}
	q.Set("key", l.key())
	q.Set("steamids", steam64)
	res, err := l.client.Fetch(ctx, upstream.Request{
		URL:   apiBase + "GetPlayerSummaries/v2/",
		Query: q,
	}, policy())
	if err != nil {
		return nil, err
	}
	if len(res.JSON.Get("response.players").Array()) == 0 {
		return nil, apierr.Fail("steam.invalid_id")
	}
	return res, nil
}

// parseSteamID turns any of the textual SteamID forms into a normalized
// individual-account SteamID.
func parseSteamID(s string) (steamid.SteamID, bool) {
	var accountID uint32

	switch {
	case strings.HasPrefix(s, "STEAM_"):
		// STEAM_X:Y:Z where the account id is Z*2+Y.
		parts := strings.Split(strings.TrimPrefix(s, "STEAM_"), ":")
		if len(parts) != 3 {
			return 0, false
		}
		y, err := strconv.ParseUint(parts[1], 10, 1)
		if err != nil {
			return 0, false
		}
		z, err := strconv.ParseUint(parts[2], 10, 31)
		if err != nil {
			return 0, false
		}
		accountID = uint32(z)*2 + uint32(y)

	case strings.HasPrefix(s, "[U:") || strings.HasPrefix(s, "U:"):
		body := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(s, "["), "U:"), "]")
		parts := strings.Split(body, ":")
		if len(parts) != 2 || parts[0] != "1" {
			return 0, false
		}
		n, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return 0, false
		}
		accountID = uint32(n)

	default:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}
		sid := steamid.FromSteamID64(n)
		accountID = sid.AccountID()
		if accountID == 0 {
			return 0, false
		}
	}

	sid := steamid.SteamID(0).
		SetUniverse(1).
		SetType(1).
		SetInstance(1).
		SetAccountID(accountID)
	return sid, true
}

// normalize builds the uniform profile: the full player summary is merged
// into meta, then the canonical id forms overwrite any colliding keys.
func normalize(sid steamid.SteamID, steam64 string, res *upstream.Result) *playerdb.PlayerProfile {
	player := res.JSON.Get("response.players.0")

	meta := map[string]any{}
	if m, ok := player.Value().(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}

	acc := sid.AccountID()
	meta["steam2id"] = fmt.Sprintf("STEAM_0:%d:%d", acc&1, acc>>1)
	meta["steam2id_new"] = fmt.Sprintf("STEAM_1:%d:%d", acc&1, acc>>1)
	meta["steam3id"] = fmt.Sprintf("[U:1:%d]", acc)
	meta["steam64id"] = steam64

	return &playerdb.PlayerProfile{
		ID:       steam64,
		Username: player.Get("personaname").String(),
		Avatar:   player.Get("avatarfull").String(),
		Meta:     meta,
	}
}
