package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/store"
)

// CacheTTL is how long a cached search response lives before expiring.
const CacheTTL = 5 * time.Minute

// CacheNamespace prefixes every fingerprint key.
const CacheNamespace = "log-searches"

// CachedSearch fronts a Service with a content-addressed cache that
// suppresses negative (empty-page) results from being cached.
type CachedSearch struct {
	service *Service
	cache   store.Cache // nil tolerated: degrades to direct search
	log     *slog.Logger
}

// NewCachedSearch constructs a CachedSearch. cache may be nil.
func NewCachedSearch(service *Service, cache store.Cache, log *slog.Logger) *CachedSearch {
	if service == nil {
		panic("search: NewCachedSearch requires a non-nil Service")
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedSearch{service: service, cache: cache, log: log}
}

// fingerprintFields holds the fields in canonical struct order — any
// change to a filter field or to page/size must produce a distinct JSON
// encoding.
type fingerprintFields struct {
	ServiceID      string     `json:"serviceId"`
	TraceID        string     `json:"traceId"`
	Level          string     `json:"level"`
	StartTimestamp *time.Time `json:"startTimestamp"`
	EndTimestamp   *time.Time `json:"endTimestamp"`
	Query          string     `json:"query"`
	Page           int        `json:"page"`
	Size           int        `json:"size"`
}

// Fingerprint computes the deterministic cache key for a request: a stable
// serialization of the filter fields plus page/size, hashed to a fixed-width
// hex string.
func Fingerprint(req logentry.LogSearchRequest) string {
	req = req.Normalize()
	fields := fingerprintFields{
		ServiceID:      req.ServiceID,
		TraceID:        req.TraceID,
		Level:          string(req.Level),
		StartTimestamp: req.StartTimestamp,
		EndTimestamp:   req.EndTimestamp,
		Query:          req.Query,
		Page:           req.Page,
		Size:           req.Size,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		// Marshal of a struct of comparable primitives cannot fail; this
		// branch exists only to satisfy the error-free contract callers
		// expect from Fingerprint.
		data = []byte(fmt.Sprintf("%+v", fields))
	}
	sum := sha256.Sum256(data)
	return CacheNamespace + ":" + hex.EncodeToString(sum[:])
}

// SearchWithCache probes the cache by fingerprint; on miss it runs
// SearchWithMetrics and caches the result only when the page is
// non-empty. A nil cache degrades to direct search.
func (c *CachedSearch) SearchWithCache(ctx context.Context, req logentry.LogSearchRequest) (logentry.LogSearchResponse, error) {
	if c.cache == nil {
		return c.service.SearchWithMetrics(ctx, req)
	}

	key := Fingerprint(req)
	if cached, ok, err := c.cache.Get(ctx, key); err != nil {
		c.log.Warn("search: cache get failed, falling back to store", "error", err)
	} else if ok {
		return cached, nil
	}

	resp, err := c.service.SearchWithMetrics(ctx, req)
	if err != nil {
		return resp, err
	}

	if len(resp.Logs) > 0 {
		if err := c.cache.Put(ctx, key, resp, CacheTTL); err != nil {
			c.log.Warn("search: cache put failed", "error", err)
		}
	}
	return resp, nil
}

// SearchWithoutCache always invokes the store, bypassing both cache read
// and write paths.
func (c *CachedSearch) SearchWithoutCache(ctx context.Context, req logentry.LogSearchRequest) (logentry.LogSearchResponse, error) {
	return c.service.SearchWithMetrics(ctx, req)
}
