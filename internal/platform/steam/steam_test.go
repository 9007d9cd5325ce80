package steam

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/upstream"
)

const (
	steam64  = "76561198047699606"
	steam3ID = "[U:1:87433878]"
)

type fakeStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{m: map[string][]byte{}} }

func (s *fakeStore) CacheGet(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *fakeStore) CachePut(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func syncDetach(fn func(ctx context.Context)) { fn(context.Background()) }

type fakeCaller struct {
	fetch func(req upstream.Request) (*upstream.Result, error)
}

func (c *fakeCaller) Fetch(_ context.Context, req upstream.Request, _ upstream.Policy) (*upstream.Result, error) {
	return c.fetch(req)
}

func (c *fakeCaller) RawTLS(context.Context, upstream.Request, upstream.Policy) (*upstream.Result, error) {
	return nil, apierr.Internal("steam.api_failure")
}

func (c *fakeCaller) Proxy(context.Context, upstream.Request, upstream.Policy) (*upstream.Result, error) {
	return nil, apierr.Internal("steam.api_failure")
}

func jsonResult(body string) *upstream.Result {
	return &upstream.Result{Status: 200, Body: []byte(body), JSON: gjson.Parse(body)}
}

const summaryBody = `{"response":{"players":[{"steamid":"76561198047699606","personaname":"James","avatarfull":"https://avatars.steamstatic.com/full.jpg","profileurl":"https://steamcommunity.com/id/james_ross/"}]}}`

// steamCaller answers vanity resolution and player summaries.
func steamCaller(t *testing.T) *fakeCaller {
	return &fakeCaller{
		fetch: func(req upstream.Request) (*upstream.Result, error) {
			switch {
			case strings.Contains(req.URL, "ResolveVanityURL"):
				if req.Query.Get("vanityurl") != "james_ross" {
					t.Errorf("vanityurl = %q", req.Query.Get("vanityurl"))
				}
				return jsonResult(`{"response":{"success":1,"steamid":"76561198047699606"}}`), nil
			case strings.Contains(req.URL, "GetPlayerSummaries"):
				if req.Query.Get("steamids") != steam64 {
					t.Errorf("steamids = %q", req.Query.Get("steamids"))
				}
				return jsonResult(summaryBody), nil
			default:
				t.Errorf("unexpected url %q", req.URL)
				return nil, apierr.Internal("steam.api_failure")
			}
		},
	}
}

func newLookup(caller *fakeCaller, store *fakeStore, keys []string) *Lookup {
	return New(caller, cache.NewFacade(store, false, syncDetach), keys)
}

func TestLookupIDFormsConverge(t *testing.T) {
	t.Parallel()
	for _, q := range []string{"STEAM_0:0:43716939", "[U:1:87433878]", steam64} {
		store := newFakeStore()
		l := newLookup(steamCaller(t), store, []string{"k"})
		p, err := l.Lookup(context.Background(), q)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", q, err)
		}
		if p.ID != steam64 {
			t.Errorf("Lookup(%q) id = %q, want %q", q, p.ID, steam64)
		}
		if p.Username != "James" {
			t.Errorf("Lookup(%q) username = %q", q, p.Username)
		}
		if p.Meta["steam3id"] != steam3ID {
			t.Errorf("Lookup(%q) steam3id = %v", q, p.Meta["steam3id"])
		}
		if p.Meta["steam2id"] != "STEAM_0:0:43716939" {
			t.Errorf("Lookup(%q) steam2id = %v", q, p.Meta["steam2id"])
		}
		if _, ok := store.m["steam-profile-"+steam64]; !ok {
			t.Errorf("Lookup(%q) did not write the steam64 key", q)
		}
	}
}

func TestLookupVanity(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	l := newLookup(steamCaller(t), store, []string{"k"})
	p, err := l.Lookup(context.Background(), "james_ross")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.ID != steam64 {
		t.Errorf("id = %q", p.ID)
	}
	// The summary payload is merged into meta.
	if p.Meta["profileurl"] != "https://steamcommunity.com/id/james_ross/" {
		t.Errorf("meta profileurl = %v", p.Meta["profileurl"])
	}
	if _, ok := store.m["steam-profile-james_ross"]; !ok {
		t.Error("original query key not written")
	}
}

func TestLookupVanityResolutionFailureSwallowed(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		fetch: func(req upstream.Request) (*upstream.Result, error) {
			if strings.Contains(req.URL, "ResolveVanityURL") {
				return nil, apierr.Internal("steam.api_failure")
			}
			t.Errorf("unexpected url %q", req.URL)
			return nil, apierr.Internal("steam.api_failure")
		},
	}
	l := newLookup(caller, newFakeStore(), []string{"k"})
	_, err := l.Lookup(context.Background(), "no-such-vanity")
	if !apierr.Is(err, "steam.invalid_id") {
		t.Errorf("err = %v, want steam.invalid_id", err)
	}
}

func TestLookupEmptyPlayers(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		fetch: func(req upstream.Request) (*upstream.Result, error) {
			return jsonResult(`{"response":{"players":[]}}`), nil
		},
	}
	l := newLookup(caller, newFakeStore(), []string{"k"})
	_, err := l.Lookup(context.Background(), steam64)
	if !apierr.Is(err, "steam.invalid_id") {
		t.Errorf("err = %v, want steam.invalid_id", err)
	}
}

func TestLookupInvalidForms(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{
		fetch: func(req upstream.Request) (*upstream.Result, error) {
			return jsonResult(`{"response":{"success":42}}`), nil
		},
	}
	l := newLookup(caller, newFakeStore(), []string{"k"})
	for _, q := range []string{"STEAM_0:2:1", "STEAM_0:0", "[U:2:5]", "U:1:notanumber"} {
		if _, err := l.Lookup(context.Background(), q); !apierr.Is(err, "steam.invalid_id") {
			t.Errorf("Lookup(%q) err = %v, want steam.invalid_id", q, err)
		}
	}
}

func TestKeyRotation(t *testing.T) {
	t.Parallel()
	var used []string
	caller := &fakeCaller{
		fetch: func(req upstream.Request) (*upstream.Result, error) {
			used = append(used, req.Query.Get("key"))
			return jsonResult(summaryBody), nil
		},
	}
	l := newLookup(caller, newFakeStore(), []string{"k1", "k2", "k3"})
	idx := 0
	l.pickKey = func(n int) int {
		idx = (idx + 1) % n
		return idx
	}
	for i, q := range []string{"STEAM_0:0:1", "STEAM_0:0:2", "STEAM_0:0:3"} {
		if _, err := l.Lookup(context.Background(), q); err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
	}
	if len(used) != 3 || used[0] == used[1] {
		t.Errorf("keys used = %v, want rotation", used)
	}
}
