package hytale

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
	hytaleRaw    = "11112222333344445555666677778888"
	hytaleDashed = "11112222-3333-4444-5555-666677778888"
)

type fakeCacheStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeCacheStore() *fakeCacheStore { return &fakeCacheStore{m: map[string][]byte{}} }

func (s *fakeCacheStore) CacheGet(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *fakeCacheStore) CachePut(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func syncDetach(fn func(ctx context.Context)) { fn(context.Background()) }

// pipeCaller fakes the profile transports; auth traffic goes to fakeAuth.
type pipeCaller struct {
	auth   *fakeAuth
	rawTLS func(req upstream.Request) (*upstream.Result, error)
	fetch  func(req upstream.Request) (*upstream.Result, error)
	proxy  func(req upstream.Request) (*upstream.Result, error)
}

func (c *pipeCaller) Fetch(ctx context.Context, req upstream.Request, p upstream.Policy) (*upstream.Result, error) {
	if strings.HasPrefix(req.URL, authBase) {
		return c.auth.Fetch(ctx, req, p)
	}
	if c.fetch == nil {
		return nil, apierr.Internal("hytale.api_failure")
	}
	return c.fetch(req)
}

func (c *pipeCaller) RawTLS(_ context.Context, req upstream.Request, _ upstream.Policy) (*upstream.Result, error) {
	if c.rawTLS == nil {
		return nil, apierr.Internal("hytale.api_failure")
	}
	return c.rawTLS(req)
}

func (c *pipeCaller) Proxy(_ context.Context, req upstream.Request, _ upstream.Policy) (*upstream.Result, error) {
	if c.proxy == nil {
		return nil, apierr.Internal("hytale.api_failure")
	}
	return c.proxy(req)
}

const hytaleProfileBody = `{"uuid":"` + hytaleDashed + `","username":"Rane","skin":{"body":"default","cosmetics":[]}}`

func profileResult() *upstream.Result {
	return &upstream.Result{Status: 200, Body: []byte(hytaleProfileBody), JSON: gjson.Parse(hytaleProfileBody)}
}

func newPipeline(caller *pipeCaller, store *fakeCacheStore, cfg Config) (*Lookup, *Manager) {
	m := NewManager(newFakeTokenStore(), caller, ManagerConfig{
		RefreshToken: "env-refresh",
		PoolMin:      1,
		PoolMax:      4,
	})
	l := New(caller, cache.NewFacade(store, false, syncDetach), m, cfg)
	return l, m
}

func TestLookupInvalidIdentifier(t *testing.T) {
	t.Parallel()
	l, _ := newPipeline(&pipeCaller{auth: &fakeAuth{}}, newFakeCacheStore(), Config{})
	for _, q := range []string{"ab", "name with spaces", "way_too_long_username", "xyz!"} {
		if _, err := l.Lookup(context.Background(), q); !apierr.Is(err, "hytale.invalid_identifier") {
			t.Errorf("Lookup(%q) err = %v, want hytale.invalid_identifier", q, err)
		}
	}
}

func TestLookupByUsername(t *testing.T) {
	t.Parallel()
	store := newFakeCacheStore()
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(req upstream.Request) (*upstream.Result, error) {
		if !strings.HasSuffix(req.URL, "/profile/username/rane") {
			t.Errorf("url = %q", req.URL)
		}
		if !strings.HasPrefix(req.Headers["Authorization"], "Bearer sess") {
			t.Errorf("auth header = %q", req.Headers["Authorization"])
		}
		return profileResult(), nil
	}
	l, _ := newPipeline(caller, store, Config{RawTLS: true})

	p, err := l.Lookup(context.Background(), "Rane")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.ID != hytaleDashed {
		t.Errorf("id = %q, want %q", p.ID, hytaleDashed)
	}
	if p.RawID != hytaleRaw {
		t.Errorf("raw_id = %q", p.RawID)
	}
	if p.Username != "Rane" {
		t.Errorf("username = %q", p.Username)
	}
	if want := "https://crafthead.net/hytale/avatar/" + hytaleRaw; p.Avatar != want {
		t.Errorf("avatar = %q, want %q", p.Avatar, want)
	}
	if !strings.Contains(string(p.Skin), `"body":"default"`) {
		t.Errorf("skin = %s", p.Skin)
	}

	for _, key := range []string{
		"hytale-profile-rane",
		"hytale-profile-" + hytaleDashed,
	} {
		if _, ok := store.m[key]; !ok {
			t.Errorf("cache key %q not written", key)
		}
	}
}

func TestLookupByUUIDPath(t *testing.T) {
	t.Parallel()
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(req upstream.Request) (*upstream.Result, error) {
		if !strings.Contains(req.URL, "/profile/uuid/"+hytaleDashed) {
			t.Errorf("url = %q", req.URL)
		}
		return profileResult(), nil
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{RawTLS: true})
	p, err := l.Lookup(context.Background(), strings.ToUpper(hytaleDashed))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.ID != hytaleDashed {
		t.Errorf("id = %q", p.ID)
	}
}

func TestLookupSkinAbsentIsNull(t *testing.T) {
	t.Parallel()
	body := `{"uuid":"` + hytaleDashed + `","username":"Rane"}`
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(upstream.Request) (*upstream.Result, error) {
		return &upstream.Result{Status: 200, Body: []byte(body), JSON: gjson.Parse(body)}, nil
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{RawTLS: true})
	p, err := l.Lookup(context.Background(), "Rane")
	if err != nil {
		t.Fatal(err)
	}
	if string(p.Skin) != "null" {
		t.Errorf("skin = %s, want null", p.Skin)
	}
}

func TestAuthFailureInvalidatesAndRetriesOnce(t *testing.T) {
	t.Parallel()
	attempts := 0
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(req upstream.Request) (*upstream.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, apierr.Internal("hytale.auth_failure", map[string]any{"status": 401})
		}
		return profileResult(), nil
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{RawTLS: true})

	p, err := l.Lookup(context.Background(), "Rane")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want exactly one retry", attempts)
	}
	if p.Username != "Rane" {
		t.Errorf("username = %q", p.Username)
	}
}

func TestAuthFailureOnRetryIsTerminal(t *testing.T) {
	t.Parallel()
	attempts := 0
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(upstream.Request) (*upstream.Result, error) {
		attempts++
		return nil, apierr.Internal("hytale.auth_failure", map[string]any{"status": 403})
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{RawTLS: true})

	_, err := l.Lookup(context.Background(), "Rane")
	if !apierr.Is(err, "hytale.auth_failure") {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (no retry loop)", attempts)
	}
}

func TestRateLimitFallsBackAndReports(t *testing.T) {
	t.Parallel()
	caller := &pipeCaller{auth: &fakeAuth{}}
	var limitedSession string
	caller.rawTLS = func(req upstream.Request) (*upstream.Result, error) {
		limitedSession = strings.TrimPrefix(req.Headers["Authorization"], "Bearer ")
		return nil, apierr.Internal("hytale.rate_limited")
	}
	caller.fetch = func(req upstream.Request) (*upstream.Result, error) {
		return profileResult(), nil
	}
	l, m := newPipeline(caller, newFakeCacheStore(), Config{RawTLS: true})

	if _, err := l.Lookup(context.Background(), "Rane"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	// The implicated session was cooled down in the manager.
	next, err := m.GetSessionToken(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if next == limitedSession {
		t.Errorf("rate-limited session %q handed out again", next)
	}
}

func TestContainerFallbackUsesDifferentSession(t *testing.T) {
	t.Parallel()
	caller := &pipeCaller{auth: &fakeAuth{}}
	var fetchSession, proxySession string
	caller.fetch = func(req upstream.Request) (*upstream.Result, error) {
		fetchSession = strings.TrimPrefix(req.Headers["Authorization"], "Bearer ")
		return nil, apierr.Internal("hytale.rate_limited")
	}
	caller.proxy = func(req upstream.Request) (*upstream.Result, error) {
		proxySession = strings.TrimPrefix(req.Headers["Authorization"], "Bearer ")
		return profileResult(), nil
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{})

	if _, err := l.Lookup(context.Background(), "Rane"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if proxySession == "" {
		t.Fatal("container proxy not attempted")
	}
	if proxySession == fetchSession {
		t.Errorf("container reused the throttled session %q", proxySession)
	}
}

func TestVendorFallbackCarriesSessionInQuery(t *testing.T) {
	t.Parallel()
	caller := &pipeCaller{auth: &fakeAuth{}}
	var vendorReq upstream.Request
	caller.fetch = func(req upstream.Request) (*upstream.Result, error) {
		if strings.HasPrefix(req.URL, "https://vendor.example.com") {
			vendorReq = req
			return profileResult(), nil
		}
		return nil, apierr.Internal("hytale.api_failure")
	}
	caller.proxy = func(upstream.Request) (*upstream.Result, error) {
		return nil, apierr.Internal("hytale.api_failure")
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{
		VendorAPIBase: "https://vendor.example.com",
		VendorKey:     "nck",
	})

	if _, err := l.Lookup(context.Background(), "Rane"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if vendorReq.Query.Get("session") == "" {
		t.Error("vendor call missing session query parameter")
	}
	if vendorReq.Headers["X-API-Key"] != "nck" {
		t.Errorf("vendor key = %q", vendorReq.Headers["X-API-Key"])
	}
}

func TestNotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(upstream.Request) (*upstream.Result, error) {
		return nil, apierr.Fail("hytale.not_found")
	}
	caller.fetch = func(req upstream.Request) (*upstream.Result, error) {
		if !strings.HasPrefix(req.URL, authBase) {
			t.Error("profile fetch attempted after a terminal not found")
		}
		return nil, apierr.Internal("hytale.api_failure")
	}
	l, _ := newPipeline(caller, newFakeCacheStore(), Config{RawTLS: true})
	_, err := l.Lookup(context.Background(), "Rane")
	if !apierr.Is(err, "hytale.not_found") {
		t.Errorf("err = %v", err)
	}
}

func TestLookupCacheHit(t *testing.T) {
	t.Parallel()
	store := newFakeCacheStore()
	caller := &pipeCaller{auth: &fakeAuth{}}
	caller.rawTLS = func(upstream.Request) (*upstream.Result, error) {
		return profileResult(), nil
	}
	l, _ := newPipeline(caller, store, Config{RawTLS: true})
	if _, err := l.Lookup(context.Background(), "Rane"); err != nil {
		t.Fatal(err)
	}

	caller.rawTLS = func(upstream.Request) (*upstream.Result, error) {
		t.Error("upstream called on warm cache")
		return nil, apierr.Internal("hytale.api_failure")
	}
	// Both the username and the uuid spellings are warm.
	for _, q := range []string{"rane", hytaleDashed} {
		p, err := l.Lookup(context.Background(), q)
		if err != nil {
			t.Fatalf("warm Lookup(%q): %v", q, err)
		}
		if p.ID != hytaleDashed {
			t.Errorf("warm Lookup(%q) id = %q", q, p.ID)
		}
	}
}
