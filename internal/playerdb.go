// Package playerdb defines domain types shared across the PlayerDB gateway.
// This package has no project imports -- it is the dependency root.
package playerdb

import (
	"context"
	"encoding/json"
	"time"
)

// Platform identifies an upstream identity service.
type Platform string

const (
	PlatformMinecraft Platform = "minecraft"
	PlatformSteam     Platform = "steam"
	PlatformXbox      Platform = "xbox"
	PlatformHytale    Platform = "hytale"
)

// ParsePlatform maps a route segment to a Platform.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(s) {
	case PlatformMinecraft, PlatformSteam, PlatformXbox, PlatformHytale:
		return Platform(s), true
	}
	return "", false
}

// PlayerProfile is the normalized player record returned for every platform.
// ID uses the platform's display convention (dashed UUID, Steam64, XUID);
// RawID is the separator-free form where the platform has one.
type PlayerProfile struct {
	ID                   string            `json:"id"`
	RawID                string            `json:"raw_id,omitempty"`
	Username             string            `json:"username"`
	Avatar               string            `json:"avatar,omitempty"`
	UniqueModernGamertag string            `json:"unique_modern_gamertag,omitempty"`
	ModernGamertag       string            `json:"modern_gamertag,omitempty"`
	ModernGamertagSuffix string            `json:"modern_gamertag_suffix,omitempty"`
	SkinTexture          string            `json:"skin_texture,omitempty"`
	CapeTexture          string            `json:"cape_texture,omitempty"`
	Properties           []json.RawMessage `json:"properties,omitempty"`
	NameHistory          json.RawMessage   `json:"name_history,omitempty"`
	Skin                 json.RawMessage   `json:"skin,omitempty"`
	Meta                 map[string]any    `json:"meta"`
	CachedAt             int64             `json:"cached_at"`
}

// Stamp sets CachedAt and guarantees Meta is non-nil, preserving the
// invariant that every stored profile carries both.
func (p *PlayerProfile) Stamp(now time.Time) {
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}
	p.CachedAt = now.Unix()
}

// DataPoint is one analytics record. Field order mirrors the dataset's
// column order, which is part of the external contract.
type DataPoint struct {
	Type           string
	Error          string
	RequestType    string
	URL            string
	UserAgent      string
	Referer        string
	Protocol       string
	City           string
	Colo           string
	Country        string
	TLSVersion     string
	ASN            int
	Cached         bool
	ResponseTimeMs int64
	Status         int
}

// --- Request-scoped metadata ---

type ctxKey int

const metaKey ctxKey = 0

// RequestMeta travels with a request through the middleware chain. The
// transport layer mutates RequestType in place so the analytics record can
// name the upstream path that produced the answer.
type RequestMeta struct {
	ID          string
	Start       time.Time
	URL         string // normalized inbound URL (lowercased path)
	RequestType string // "tcp" or "container" when a fallback transport won
}

// ContextWithMeta attaches request metadata to ctx.
func ContextWithMeta(ctx context.Context, m *RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey, m)
}

// MetaFromContext returns the request metadata, or nil when absent.
func MetaFromContext(ctx context.Context) *RequestMeta {
	m, _ := ctx.Value(metaKey).(*RequestMeta)
	return m
}

// RequestIDFromContext returns the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if m := MetaFromContext(ctx); m != nil {
		return m.ID
	}
	return ""
}
