package hytale

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodecraft/playerdb/internal/apierr"
	"github.com/nodecraft/playerdb/internal/upstream"
)

const (
	authBase  = "https://accounts.hytale.com"
	blobName  = "tokens"
	tokenSlop = 5 * time.Minute // a token this close to expiry counts as expired

	rateLimitCooldown = time.Minute
	shrinkIdleAfter   = 10 * time.Minute
	rotateAfter       = 23 * 24 * time.Hour

	// defaultSessionTTL is assumed when the session endpoint omits expiry.
	defaultSessionTTL = time.Hour
)

// SessionInfo is one pooled game session.
type SessionInfo struct {
	SessionToken     string `json:"session_token"`
	IdentityToken    string `json:"identity_token"`
	ExpiresAt        int64  `json:"expires_at"`                   // epoch ms
	RateLimitedUntil int64  `json:"rate_limited_until,omitempty"` // epoch ms; zero means available
}

func (s *SessionInfo) valid(now time.Time) bool {
	return s.ExpiresAt > now.Add(tokenSlop).UnixMilli()
}

func (s *SessionInfo) available(now time.Time) bool {
	return s.valid(now) && s.RateLimitedUntil <= now.UnixMilli()
}

// StoredTokens is the persisted manager state, a single blob.
type StoredTokens struct {
	RefreshToken          string `json:"refresh_token,omitempty"`
	RefreshTokenRotatedAt int64  `json:"refresh_token_rotated_at,omitempty"` // epoch ms
	AccessToken           string `json:"access_token,omitempty"`
	AccessTokenExpiresAt  int64  `json:"access_token_expires_at,omitempty"` // epoch ms
	ProfileUUID           string `json:"profile_uuid,omitempty"`

	Sessions          []SessionInfo `json:"sessions,omitempty"`
	NextSessionIndex  int           `json:"next_session_index,omitempty"`
	LastRateLimitSeen int64         `json:"last_rate_limit_seen,omitempty"` // epoch ms

	// Pre-pool single-session fields, lifted into Sessions on first load.
	LegacySessionToken  string `json:"session_token,omitempty"`
	LegacyIdentityToken string `json:"identity_token,omitempty"`
	LegacyExpiresAt     int64  `json:"identity_token_expires_at,omitempty"`
}

// TokenStore persists the manager blob.
type TokenStore interface {
	TokenGet(ctx context.Context, name string) ([]byte, bool, error)
	TokenPut(ctx context.Context, name string, value []byte) error
	TokenDelete(ctx context.Context, name string) error
}

// ManagerConfig bounds the pool and supplies the bootstrap credentials.
type ManagerConfig struct {
	RefreshToken string // fallback when no rotated token is stored
	ProfileUUID  string // skips the get-profiles call when set
	PoolMin      int
	PoolMax      int
}

// Fetcher is the HTTP surface the manager needs.
type Fetcher interface {
	Fetch(ctx context.Context, req upstream.Request, p upstream.Policy) (*upstream.Result, error)
}

type accessSnapshot struct {
	token     string
	expiresAt int64 // epoch ms
}

// Manager is the process-wide OAuth token and game-session pool owner. All
// state mutation runs under one mutex and is persisted before the lock is
// released; concurrent reads of a still-fresh access token skip the lock via
// an atomic snapshot.
type Manager struct {
	store  TokenStore
	client Fetcher
	cfg    ManagerConfig
	now    func() time.Time

	access atomic.Pointer[accessSnapshot]

	mu     sync.Mutex
	tokens *StoredTokens
	loaded bool
}

// NewManager creates the manager. Pool bounds of zero fall back to 1 and 10.
func NewManager(store TokenStore, client Fetcher, cfg ManagerConfig) *Manager {
	if cfg.PoolMin < 1 {
		cfg.PoolMin = 1
	}
	if cfg.PoolMax < cfg.PoolMin {
		cfg.PoolMax = 10
	}
	return &Manager{store: store, client: client, cfg: cfg, now: time.Now}
}

func authPolicy() upstream.Policy {
	return upstream.Policy{Prefix: "hytale", AuthFailure: "hytale.auth_failure"}
}

// load reads the blob once and lifts any legacy single-session record into
// the pool. Callers hold mu.
func (m *Manager) load(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	m.tokens = &StoredTokens{}
	raw, ok, err := m.store.TokenGet(ctx, blobName)
	if err != nil {
		return apierr.Internal("hytale.api_failure", map[string]any{"cause": err.Error()})
	}
	if ok {
		if err := json.Unmarshal(raw, m.tokens); err != nil {
			// A corrupt blob is discarded rather than wedging every lookup.
			m.tokens = &StoredTokens{}
		}
	}
	if len(m.tokens.Sessions) == 0 && m.tokens.LegacySessionToken != "" {
		m.tokens.Sessions = []SessionInfo{{
			SessionToken:  m.tokens.LegacySessionToken,
			IdentityToken: m.tokens.LegacyIdentityToken,
			ExpiresAt:     m.tokens.LegacyExpiresAt,
		}}
		m.tokens.LegacySessionToken = ""
		m.tokens.LegacyIdentityToken = ""
		m.tokens.LegacyExpiresAt = 0
	}
	m.loaded = true
	return nil
}

// persist writes the blob. Callers hold mu.
func (m *Manager) persist(ctx context.Context) {
	raw, err := json.Marshal(m.tokens)
	if err != nil {
		return
	}
	m.store.TokenPut(ctx, blobName, raw)
}

// GetSessionToken returns the next available pooled session by round-robin,
// topping the pool up to the minimum first. With force set, a fresh session
// is minted regardless of pool state (used on the post-auth-failure retry).
func (m *Manager) GetSessionToken(ctx context.Context, force bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx); err != nil {
		return "", err
	}

	if force {
		s, err := m.mintSessionLocked(ctx)
		if err != nil {
			return "", err
		}
		m.appendSessionLocked(*s)
		m.persist(ctx)
		return s.SessionToken, nil
	}

	if err := m.ensureMinPoolLocked(ctx); err != nil {
		return "", err
	}
	s, err := m.nextSessionLocked(ctx)
	if err != nil {
		return "", err
	}
	m.persist(ctx)
	return s.SessionToken, nil
}

// GetSessionTokenForContainer returns a valid session that is not currently
// rate-limited; when every session is, the one whose rate limit is oldest.
func (m *Manager) GetSessionTokenForContainer(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx); err != nil {
		return "", err
	}
	if err := m.ensureMinPoolLocked(ctx); err != nil {
		return "", err
	}

	now := m.now()
	oldest := -1
	for i := range m.tokens.Sessions {
		s := &m.tokens.Sessions[i]
		if !s.valid(now) {
			continue
		}
		if s.available(now) {
			m.persist(ctx)
			return s.SessionToken, nil
		}
		if oldest < 0 || s.RateLimitedUntil < m.tokens.Sessions[oldest].RateLimitedUntil {
			oldest = i
		}
	}
	if oldest < 0 {
		return "", apierr.Internal("hytale.session_creation_failed")
	}
	m.persist(ctx)
	return m.tokens.Sessions[oldest].SessionToken, nil
}

// ReportRateLimit cools the matching session down for a minute and
// opportunistically grows the pool so the next caller has headroom.
func (m *Manager) ReportRateLimit(ctx context.Context, sessionToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx); err != nil {
		return
	}

	now := m.now()
	for i := range m.tokens.Sessions {
		if m.tokens.Sessions[i].SessionToken == sessionToken {
			m.tokens.Sessions[i].RateLimitedUntil = now.Add(rateLimitCooldown).UnixMilli()
			break
		}
	}
	m.tokens.LastRateLimitSeen = now.UnixMilli()
	m.expandLocked(ctx) // best effort
	m.persist(ctx)
}

// InvalidateTokens clears the access token and the whole session pool,
// preserving the refresh token. Called when an upstream 401/403 shows the
// credentials have gone bad.
func (m *Manager) InvalidateTokens(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx); err != nil {
		return err
	}
	m.tokens.AccessToken = ""
	m.tokens.AccessTokenExpiresAt = 0
	m.tokens.Sessions = nil
	m.tokens.NextSessionIndex = 0
	m.access.Store(nil)
	m.persist(ctx)
	return nil
}

// ResetAllTokens wipes the persisted state entirely.
func (m *Manager) ResetAllTokens(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = &StoredTokens{}
	m.loaded = true
	m.access.Store(nil)
	if err := m.store.TokenDelete(ctx, blobName); err != nil {
		return apierr.Internal("hytale.api_failure", map[string]any{"cause": err.Error()})
	}
	return nil
}

// ProactiveRefresh rotates a refresh token older than 23 days and shrinks a
// pool that has not seen rate-limit pressure for a while. Driven hourly by
// the rotation worker.
func (m *Manager) ProactiveRefresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx); err != nil {
		return err
	}

	now := m.now()
	if rotated := m.tokens.RefreshTokenRotatedAt; rotated > 0 {
		age := now.Sub(time.UnixMilli(rotated))
		if age >= rotateAfter {
			if _, err := m.refreshAccessLocked(ctx, true); err != nil {
				return err
			}
		}
	}

	if seen := m.tokens.LastRateLimitSeen; now.Sub(time.UnixMilli(seen)) >= shrinkIdleAfter {
		m.shrinkLocked(now)
	}
	m.persist(ctx)
	return nil
}

// refreshAccessLocked returns a usable access token, exchanging the refresh
// token when the cached one is stale (or force is set). Rotation of the
// refresh token by the authorization server is observed and persisted.
func (m *Manager) refreshAccessLocked(ctx context.Context, force bool) (string, error) {
	now := m.now()
	if !force && m.tokens.AccessToken != "" && now.Add(tokenSlop).UnixMilli() < m.tokens.AccessTokenExpiresAt {
		return m.tokens.AccessToken, nil
	}

	refresh := m.tokens.RefreshToken
	usingStored := refresh != ""
	if !usingStored {
		refresh = m.cfg.RefreshToken
	}
	if refresh == "" {
		return "", apierr.Internal("hytale.no_refresh_token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	res, err := m.client.Fetch(ctx, upstream.Request{
		URL:     authBase + "/oauth2/token",
		Method:  "POST",
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Timeout: upstream.HytaleTimeout,
	}, authPolicy())
	if err != nil {
		if usingStored {
			// A stored token the server no longer accepts is cleared so the
			// next attempt falls back to the configured one.
			m.tokens.RefreshToken = ""
			m.tokens.RefreshTokenRotatedAt = 0
			m.persist(ctx)
		}
		return "", err
	}

	access := res.JSON.Get("access_token").String()
	if access == "" {
		return "", apierr.Internal("hytale.auth_failure", map[string]any{
			"message": "token endpoint returned no access token",
		})
	}
	m.tokens.AccessToken = access
	m.tokens.AccessTokenExpiresAt = now.UnixMilli() + res.JSON.Get("expires_in").Int()*1000

	if rotated := res.JSON.Get("refresh_token").String(); rotated != "" && rotated != refresh {
		m.tokens.RefreshToken = rotated
		m.tokens.RefreshTokenRotatedAt = now.UnixMilli()
	}
	m.persist(ctx)
	m.access.Store(&accessSnapshot{token: access, expiresAt: m.tokens.AccessTokenExpiresAt})
	return access, nil
}

// AccessToken returns a usable access token, with a lock-free fast path for
// the common still-fresh case.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if snap := m.access.Load(); snap != nil && m.now().Add(tokenSlop).UnixMilli() < snap.expiresAt {
		return snap.token, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(ctx); err != nil {
		return "", err
	}
	return m.refreshAccessLocked(ctx, false)
}

// profileUUIDLocked resolves the profile under which sessions are minted:
// configuration first, then the cached value, then the account's first
// profile.
func (m *Manager) profileUUIDLocked(ctx context.Context) (string, error) {
	if m.cfg.ProfileUUID != "" {
		return m.cfg.ProfileUUID, nil
	}
	if m.tokens.ProfileUUID != "" {
		return m.tokens.ProfileUUID, nil
	}

	access, err := m.refreshAccessLocked(ctx, false)
	if err != nil {
		return "", err
	}
	res, err := m.client.Fetch(ctx, upstream.Request{
		URL:     authBase + "/my-account/get-profiles",
		Headers: map[string]string{"Authorization": "Bearer " + access},
		Timeout: upstream.HytaleTimeout,
	}, authPolicy())
	if err != nil {
		return "", err
	}
	uuid := res.JSON.Get("profiles.0.uuid").String()
	if uuid == "" {
		return "", apierr.Internal("hytale.no_profiles")
	}
	m.tokens.ProfileUUID = uuid
	m.persist(ctx)
	return uuid, nil
}

// refreshSessionLocked tries to renew an expired session in place. Any
// failure yields nil; the caller drops the session.
func (m *Manager) refreshSessionLocked(ctx context.Context, s *SessionInfo) *SessionInfo {
	res, err := m.client.Fetch(ctx, upstream.Request{
		URL:     authBase + "/game-session/refresh",
		Method:  "POST",
		Headers: map[string]string{"Authorization": "Bearer " + s.SessionToken},
		Timeout: upstream.HytaleTimeout,
	}, authPolicy())
	if err != nil {
		return nil
	}
	session := res.JSON.Get("sessionToken").String()
	identity := res.JSON.Get("identityToken").String()
	if session == "" || identity == "" {
		return nil
	}
	return &SessionInfo{
		SessionToken:  session,
		IdentityToken: identity,
		ExpiresAt:     sessionExpiry(res.JSON.Get("expiresAt").Int(), m.now()),
	}
}

// mintSessionLocked creates a brand-new game session under the profile UUID.
func (m *Manager) mintSessionLocked(ctx context.Context) (*SessionInfo, error) {
	access, err := m.refreshAccessLocked(ctx, false)
	if err != nil {
		return nil, err
	}
	uuid, err := m.profileUUIDLocked(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]string{"uuid": uuid})
	res, err := m.client.Fetch(ctx, upstream.Request{
		URL:     authBase + "/game-session/new",
		Method:  "POST",
		Body:    body,
		Headers: map[string]string{"Authorization": "Bearer " + access},
		Timeout: upstream.HytaleTimeout,
	}, authPolicy())
	if err != nil {
		return nil, err
	}
	session := res.JSON.Get("sessionToken").String()
	identity := res.JSON.Get("identityToken").String()
	if session == "" || identity == "" {
		return nil, apierr.Internal("hytale.session_creation_failed")
	}
	return &SessionInfo{
		SessionToken:  session,
		IdentityToken: identity,
		ExpiresAt:     sessionExpiry(res.JSON.Get("expiresAt").Int(), m.now()),
	}, nil
}

func sessionExpiry(reported int64, now time.Time) int64 {
	if reported > 0 {
		return reported
	}
	return now.Add(defaultSessionTTL).UnixMilli()
}

// ensureMinPoolLocked refreshes expired sessions and mints new ones until
// the pool holds at least PoolMin valid members. It fails only when the pool
// ends empty.
func (m *Manager) ensureMinPoolLocked(ctx context.Context) error {
	now := m.now()
	var valid, expired []SessionInfo
	for _, s := range m.tokens.Sessions {
		if s.valid(now) {
			valid = append(valid, s)
		} else {
			expired = append(expired, s)
		}
	}

	for _, s := range expired {
		if len(valid) >= m.cfg.PoolMin {
			break
		}
		if renewed := m.refreshSessionLocked(ctx, &s); renewed != nil {
			valid = append(valid, *renewed)
		}
	}

	var createErr error
	for len(valid) < m.cfg.PoolMin {
		s, err := m.mintSessionLocked(ctx)
		if err != nil {
			createErr = err
			break
		}
		valid = append(valid, *s)
	}

	m.tokens.Sessions = valid
	if m.tokens.NextSessionIndex >= len(valid) {
		m.tokens.NextSessionIndex = 0
	}
	if len(valid) == 0 {
		if createErr != nil {
			return createErr
		}
		return apierr.Internal("hytale.session_creation_failed")
	}
	return nil
}

// nextSessionLocked scans from the round-robin cursor for the first
// available session and advances the cursor past it. With every session
// rate-limited it tries to expand; a full pool raises the rate limit.
func (m *Manager) nextSessionLocked(ctx context.Context) (*SessionInfo, error) {
	now := m.now()
	n := len(m.tokens.Sessions)
	for i := range n {
		idx := (m.tokens.NextSessionIndex + i) % n
		s := &m.tokens.Sessions[idx]
		if s.available(now) {
			m.tokens.NextSessionIndex = (idx + 1) % n
			return s, nil
		}
	}

	if s := m.expandLocked(ctx); s != nil {
		return s, nil
	}
	return nil, apierr.Internal("hytale.rate_limited")
}

// expandLocked appends one freshly minted session when the pool has room.
func (m *Manager) expandLocked(ctx context.Context) *SessionInfo {
	if len(m.tokens.Sessions) >= m.cfg.PoolMax {
		return nil
	}
	s, err := m.mintSessionLocked(ctx)
	if err != nil {
		return nil
	}
	m.appendSessionLocked(*s)
	return &m.tokens.Sessions[len(m.tokens.Sessions)-1]
}

// appendSessionLocked adds s, evicting the cursor slot when the pool is full.
func (m *Manager) appendSessionLocked(s SessionInfo) {
	if len(m.tokens.Sessions) < m.cfg.PoolMax {
		m.tokens.Sessions = append(m.tokens.Sessions, s)
		return
	}
	idx := m.tokens.NextSessionIndex % len(m.tokens.Sessions)
	m.tokens.Sessions[idx] = s
}

// PoolSize reports the current and maximum session pool sizes, for gauges.
// Safe to call before the first operation loads the stored blob.
func (m *Manager) PoolSize() (size, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		return 0, m.cfg.PoolMax
	}
	return len(m.tokens.Sessions), m.cfg.PoolMax
}

// shrinkLocked truncates the valid portion of an idle pool back to PoolMin.
func (m *Manager) shrinkLocked(now time.Time) {
	var valid []SessionInfo
	for _, s := range m.tokens.Sessions {
		if s.valid(now) {
			valid = append(valid, s)
		}
	}
	if len(valid) > m.cfg.PoolMin {
		valid = valid[:m.cfg.PoolMin]
	}
	m.tokens.Sessions = valid
	m.tokens.NextSessionIndex = 0
}
