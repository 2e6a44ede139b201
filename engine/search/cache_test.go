package search

import (
	"context"
	"testing"
	"time"

	"github.com/streamlog/pipeline/engine/logentry"
)

type fakeCache struct {
	entries map[string]logentry.LogSearchResponse
	gets    int
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]logentry.LogSearchResponse{}}
}

func (c *fakeCache) Get(ctx context.Context, key string) (logentry.LogSearchResponse, bool, error) {
	c.gets++
	resp, ok := c.entries[key]
	return resp, ok, nil
}

func (c *fakeCache) Put(ctx context.Context, key string, resp logentry.LogSearchResponse, ttl time.Duration) error {
	c.puts++
	c.entries[key] = resp
	return nil
}

func TestCachedSearch_Miss_ThenHit(t *testing.T) {
	fake := &fakeSearchStore{docs: []logentry.LogDocument{{ID: "1"}}, total: 1}
	svc := NewService(fake, 0, nil)
	cache := newFakeCache()
	cs := NewCachedSearch(svc, cache, nil)

	req := logentry.LogSearchRequest{ServiceID: "svc", Level: logentry.LevelInfo}

	resp1, err := cs.SearchWithCache(context.Background(), req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if resp1.TotalElements != 1 {
		t.Fatalf("expected totalElements=1, got %d", resp1.TotalElements)
	}
	if fake.searchCalls != 1 {
		t.Fatalf("expected 1 store call after miss, got %d", fake.searchCalls)
	}

	resp2, err := cs.SearchWithCache(context.Background(), req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp2.TotalElements != 1 {
		t.Fatalf("expected cached totalElements=1, got %d", resp2.TotalElements)
	}
	if fake.searchCalls != 1 {
		t.Errorf("expected store to be invoked exactly once across two identical calls, got %d", fake.searchCalls)
	}
}

func TestCachedSearch_EmptyResultsNeverCached(t *testing.T) {
	fake := &fakeSearchStore{docs: nil, total: 0}
	svc := NewService(fake, 0, nil)
	cache := newFakeCache()
	cs := NewCachedSearch(svc, cache, nil)

	req := logentry.LogSearchRequest{ServiceID: "none"}

	for i := 0; i < 2; i++ {
		if _, err := cs.SearchWithCache(context.Background(), req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if fake.searchCalls != 2 {
		t.Errorf("expected store invoked on every call for empty results, got %d calls", fake.searchCalls)
	}
	if cache.puts != 0 {
		t.Errorf("expected empty results never cached, got %d puts", cache.puts)
	}
}

func TestCachedSearch_DistinctFiltersProduceDistinctEntries(t *testing.T) {
	fake := &fakeSearchStore{docs: []logentry.LogDocument{{ID: "1"}}, total: 1}
	svc := NewService(fake, 0, nil)
	cache := newFakeCache()
	cs := NewCachedSearch(svc, cache, nil)

	infoReq := logentry.LogSearchRequest{Level: logentry.LevelInfo}
	errReq := logentry.LogSearchRequest{Level: logentry.LevelError}

	if _, err := cs.SearchWithCache(context.Background(), infoReq); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.SearchWithCache(context.Background(), errReq); err != nil {
		t.Fatal(err)
	}

	if fake.searchCalls != 2 {
		t.Errorf("expected distinct filters to each invoke the store once, got %d calls", fake.searchCalls)
	}
	if len(cache.entries) != 2 {
		t.Errorf("expected 2 distinct cache entries, got %d", len(cache.entries))
	}
}

func TestCachedSearch_NilCacheDegradesToDirectSearch(t *testing.T) {
	fake := &fakeSearchStore{docs: []logentry.LogDocument{{ID: "1"}}, total: 1}
	svc := NewService(fake, 0, nil)
	cs := NewCachedSearch(svc, nil, nil)

	req := logentry.LogSearchRequest{ServiceID: "svc"}
	for i := 0; i < 2; i++ {
		if _, err := cs.SearchWithCache(context.Background(), req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if fake.searchCalls != 2 {
		t.Errorf("expected nil cache to invoke store every call, got %d", fake.searchCalls)
	}
}

func TestCachedSearch_SearchWithoutCache_NeverTouchesCache(t *testing.T) {
	fake := &fakeSearchStore{docs: []logentry.LogDocument{{ID: "1"}}, total: 1}
	svc := NewService(fake, 0, nil)
	cache := newFakeCache()
	cs := NewCachedSearch(svc, cache, nil)

	req := logentry.LogSearchRequest{ServiceID: "svc"}
	if _, err := cs.SearchWithoutCache(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if cache.gets != 0 || cache.puts != 0 {
		t.Errorf("expected SearchWithoutCache to never touch the cache, gets=%d puts=%d", cache.gets, cache.puts)
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	req := logentry.LogSearchRequest{ServiceID: "svc", Page: 1, Size: 50}
	if Fingerprint(req) != Fingerprint(req) {
		t.Error("expected Fingerprint to be deterministic for identical requests")
	}
}

func TestFingerprint_DistinctForDifferentFilters(t *testing.T) {
	a := logentry.LogSearchRequest{ServiceID: "svc-a"}
	b := logentry.LogSearchRequest{ServiceID: "svc-b"}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("expected distinct fingerprints for distinct serviceId filters")
	}
}

func TestFingerprint_DistinctForDifferentPagination(t *testing.T) {
	a := logentry.LogSearchRequest{ServiceID: "svc", Page: 0}
	b := logentry.LogSearchRequest{ServiceID: "svc", Page: 1}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("expected distinct fingerprints for distinct page values")
	}
}
