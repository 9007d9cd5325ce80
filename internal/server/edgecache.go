package server

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/cache"
	"github.com/nodecraft/playerdb/internal/platform"
)

// storedHeaders are the response headers worth replaying from the edge cache.
var storedHeaders = []string{"Content-Type", "Cache-Control", "Access-Control-Allow-Origin"}

// edgeCache serves /api responses out of the in-process response cache,
// keyed by the URL with its path lowercased. On a miss the response is
// captured and written back; successful lookups additionally get a second
// entry under the canonical player id so either spelling hits next time.
func (s *server) edgeCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.EdgeCache == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := cache.Key(r.URL)
		if resp, ok := s.deps.EdgeCache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.WithLabelValues("edge").Inc()
			}
			h := w.Header()
			for k, v := range resp.Headers {
				h.Set(k, v)
			}
			h.Set("X-Worker-Cache", "true")
			w.WriteHeader(resp.Status)
			w.Write(resp.Body)
			pointType := "api"
			if plat, ok := playerdb.ParsePlatform(chi.URLParam(r, "platform")); ok {
				pointType = string(plat)
			}
			s.record(r, pointType, cachedError(resp), resp.Status, true)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.WithLabelValues("edge").Inc()
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r)

		headers := map[string]string{}
		for _, name := range storedHeaders {
			if v := cw.Header().Get(name); v != "" {
				headers[name] = v
			}
		}
		stored := &cache.CachedResponse{
			Status:  cw.status,
			Headers: headers,
			Body:    append([]byte(nil), cw.buf.Bytes()...),
		}

		ttl := platform.EdgeTTL
		if cw.status != http.StatusOK {
			ttl = 5 * time.Minute
		}
		s.deps.EdgeCache.Put(r.Context(), key, stored, ttl)

		if cw.status == http.StatusOK {
			s.writeSecondaryKey(key, stored, ttl)
		}
	})
}

// writeSecondaryKey re-stores the response under the URL with the query
// segment replaced by the returned player id, so a later lookup by the
// canonical spelling is an edge hit too. Runs detached from the request.
func (s *server) writeSecondaryKey(key string, stored *cache.CachedResponse, ttl time.Duration) {
	id := gjson.GetBytes(stored.Body, "data.player.id").String()
	if id == "" {
		return
	}
	slash := strings.LastIndex(key, "/")
	if slash < 0 {
		return
	}
	secondary := key[:slash+1] + strings.ToLower(id)
	if secondary == key {
		return
	}
	s.deps.Detach(func(ctx context.Context) {
		s.deps.EdgeCache.Put(ctx, secondary, stored, ttl)
	})
}

// cachedError reconstructs the error identity of a cached failure so the
// analytics record stays truthful on replays.
func cachedError(resp *cache.CachedResponse) *apierr.Error {
	if resp.Status == http.StatusOK {
		return nil
	}
	code := gjson.GetBytes(resp.Body, "code").String()
	if code == "" {
		code = "api.unknown_error"
	}
	if gjson.GetBytes(resp.Body, "error").Bool() {
		return apierr.Internal(code)
	}
	return apierr.Fail(code)
}

// captureWriter tees the response body for the edge cache write.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.wroteHeader = true
	}
	cw.buf.Write(b)
	return cw.ResponseWriter.Write(b)
}
