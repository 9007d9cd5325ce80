package server

import (
	"crypto/tls"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
)

func (s *server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	platformParam := chi.URLParam(r, "platform")
	query := chi.URLParam(r, "query")

	plat, ok := playerdb.ParsePlatform(platformParam)
	if !ok {
		e := apierr.Fail("api.404")
		s.record(r, "api", e, e.HTTPStatus(), false)
		writeFailure(w, e)
		return
	}

	start := time.Now()
	profile, err := s.deps.Registry.Lookup(r.Context(), plat, query)
	if s.deps.Metrics != nil {
		s.deps.Metrics.LookupDuration.WithLabelValues(string(plat)).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		e := apierr.As(err)
		if e == nil {
			e = apierr.Unknown(err, s.deps.Debug)
		}
		if s.deps.Metrics != nil && !e.UserVisible() {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(string(plat), e.Code).Inc()
		}
		s.record(r, string(plat), e, e.HTTPStatus(), false)
		writeFailure(w, e)
		return
	}

	s.record(r, string(plat), nil, http.StatusOK, false)
	writeSuccess(w, profile)
}

func (s *server) handleAPI404(w http.ResponseWriter, r *http.Request) {
	e := apierr.Fail("api.404")
	s.record(r, "api", e, e.HTTPStatus(), false)
	writeFailure(w, e)
}

// record emits one analytics data point. User-visible fails carry no error
// code; they are answers, not faults.
func (s *server) record(r *http.Request, pointType string, e *apierr.Error, status int, cached bool) {
	if s.deps.Analytics == nil {
		return
	}

	var errCode string
	if e != nil && !e.UserVisible() {
		errCode = e.Code
	}

	meta := playerdb.MetaFromContext(r.Context())
	var urlStr, requestType string
	var elapsed int64
	if meta != nil {
		urlStr = meta.URL
		requestType = meta.RequestType
		elapsed = time.Since(meta.Start).Milliseconds()
	}

	asn, _ := strconv.Atoi(r.Header.Get("CF-ASN"))
	s.deps.Analytics.Record(playerdb.DataPoint{
		Type:           pointType,
		Error:          errCode,
		RequestType:    requestType,
		URL:            urlStr,
		UserAgent:      anonymizeUserAgent(r.UserAgent()),
		Referer:        r.Referer(),
		Protocol:       r.Proto,
		City:           r.Header.Get("CF-IPCity"),
		Colo:           r.Header.Get("CF-Ray"),
		Country:        r.Header.Get("CF-IPCountry"),
		TLSVersion:     tlsVersion(r),
		ASN:            asn,
		Cached:         cached,
		ResponseTimeMs: elapsed,
		Status:         status,
	})
}

// anonymizeUserAgent truncates the game-server agent form "Tiers <version>
// played by <player>" before the player name.
func anonymizeUserAgent(ua string) string {
	if strings.HasPrefix(ua, "Tiers ") {
		if idx := strings.Index(ua, "played by "); idx >= 0 {
			return ua[:idx]
		}
	}
	return ua
}

func tlsVersion(r *http.Request) string {
	if r.TLS == nil {
		return ""
	}
	return tls.VersionName(r.TLS.Version)
}
