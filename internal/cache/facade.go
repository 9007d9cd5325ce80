package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	playerdb "github.com/nodecraft/playerdb/internal"
)

// readTimeout bounds persistent cache reads so a slow store never blocks a
// response; on expiry the read is treated as a miss.
const readTimeout = 2 * time.Second

// PersistentStore is the external byte store under the facade.
type PersistentStore interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Detach schedules background work that must outlive the current request.
type Detach func(fn func(ctx context.Context))

// negativeSentinel marks a definitive upstream "not found" so repeated misses
// don't burn quota. Xbox only.
var negativeSentinel = []byte(`{"not_found":true}`)

// Facade provides uniform get/put over the persistent store. Reads honor the
// bypass switch and degrade to misses on any failure; writes are handed to
// the detached-work runner so they survive the response.
type Facade struct {
	store  PersistentStore
	bypass bool
	detach Detach
}

// NewFacade wraps store. When bypass is set, all reads miss (writes still
// happen). detach must not be nil.
func NewFacade(store PersistentStore, bypass bool, detach Detach) *Facade {
	return &Facade{store: store, bypass: bypass, detach: detach}
}

// Get returns the stored value or nil on miss, bypass, timeout, or error.
func (f *Facade) Get(ctx context.Context, key string) []byte {
	if f.bypass {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	val, ok, err := f.store.CacheGet(ctx, key)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return nil
	}
	return val
}

// Put stores value under key as fire-and-forget detached work.
func (f *Facade) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	f.detach(func(ctx context.Context) {
		if err := f.store.CachePut(ctx, key, value, ttl); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "cache write failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	})
}

// GetProfile reads and decodes a cached PlayerProfile. A stored negative
// sentinel returns (nil, true, true).
func (f *Facade) GetProfile(ctx context.Context, key string) (profile *playerdb.PlayerProfile, negative, ok bool) {
	val := f.Get(ctx, key)
	if val == nil {
		return nil, false, false
	}
	if isNegative(val) {
		return nil, true, true
	}
	var p playerdb.PlayerProfile
	if err := json.Unmarshal(val, &p); err != nil || p.ID == "" {
		// Type-incorrect entries are treated as misses.
		return nil, false, false
	}
	return &p, false, true
}

// PutProfile encodes and stores a profile under key.
func (f *Facade) PutProfile(ctx context.Context, key string, p *playerdb.PlayerProfile, ttl time.Duration) {
	val, err := json.Marshal(p)
	if err != nil {
		return
	}
	f.Put(ctx, key, val, ttl)
}

// PutNegative stores the not-found sentinel under key.
func (f *Facade) PutNegative(ctx context.Context, key string, ttl time.Duration) {
	f.Put(ctx, key, negativeSentinel, ttl)
}

func isNegative(val []byte) bool {
	var s struct {
		NotFound bool `json:"not_found"`
	}
	return json.Unmarshal(val, &s) == nil && s.NotFound
}
