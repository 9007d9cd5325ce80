// Package platform defines the lookup pipeline contract shared by every
// identity platform, the cache key scheme, and the per-platform TTLs.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/upstream"
)

// Cache lifetimes. Persistent entries outlive the edge TTL so a warm edge
// miss can still be served without an upstream call.
const (
	PersistTTL       = 7 * 24 * time.Hour
	HytalePersistTTL = 10 * 24 * time.Hour
	EdgeTTL          = 5 * 24 * time.Hour
	NegativeTTL      = time.Hour
)

// Key builds the canonical persistent cache key: platform, role, and the
// lowercased identifier.
func Key(p playerdb.Platform, role, ident string) string {
	return fmt.Sprintf("%s-%s-%s", p, role, strings.ToLower(ident))
}

// Caller is the upstream transport surface a pipeline needs. Satisfied by
// *upstream.Client; tests substitute fakes.
type Caller interface {
	Fetch(ctx context.Context, req upstream.Request, p upstream.Policy) (*upstream.Result, error)
	RawTLS(ctx context.Context, req upstream.Request, p upstream.Policy) (*upstream.Result, error)
	Proxy(ctx context.Context, req upstream.Request, p upstream.Policy) (*upstream.Result, error)
}

// Lookuper resolves one platform's identifier to a normalized profile.
type Lookuper interface {
	Lookup(ctx context.Context, query string) (*playerdb.PlayerProfile, error)
}

// Registry dispatches lookups by platform.
type Registry struct {
	lookupers map[playerdb.Platform]Lookuper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{lookupers: make(map[playerdb.Platform]Lookuper)}
}

// Register installs the pipeline for p, replacing any previous one.
func (r *Registry) Register(p playerdb.Platform, l Lookuper) {
	r.lookupers[p] = l
}

// Lookup dispatches to the registered pipeline. An unknown platform is an
// invalid route.
func (r *Registry) Lookup(ctx context.Context, p playerdb.Platform, query string) (*playerdb.PlayerProfile, error) {
	l, ok := r.lookupers[p]
	if !ok {
		return nil, apierr.Fail("api.404")
	}
	return l.Lookup(ctx, query)
}

// Fallthrough reports whether a transport attempt should fall through to the
// next transport. Domain answers (invalid username, not found) are terminal;
// everything else, rate limits included, is worth another path.
func Fallthrough(err error) bool {
	if err == nil {
		return false
	}
	if e := apierr.As(err); e != nil {
		return !e.UserVisible()
	}
	return true
}
