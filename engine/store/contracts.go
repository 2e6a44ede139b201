// Package store defines the swappable contracts the ingestion and search
// paths depend on: a relational identity store, a full-text search store,
// and a response cache, each scoped to the concrete operations this
// system's components actually need.
package store

import (
	"context"
	"time"

	"github.com/streamlog/pipeline/engine/logentry"
)

// Criteria is the opaque output of the criteria builder: a set of
// AND-combined filters a SearchStore adapter translates into its own query
// language. A zero-value Criteria matches every document.
type Criteria struct {
	ServiceID      string
	TraceID        string
	Level          logentry.Level
	HasLevel       bool
	StartTimestamp *time.Time
	EndTimestamp   *time.Time
	Query          string
}

// IsEmpty reports whether no filter clause is set, i.e. this criteria
// matches every indexed document.
func (c Criteria) IsEmpty() bool {
	return c.ServiceID == "" && c.TraceID == "" && !c.HasLevel &&
		c.StartTimestamp == nil && c.EndTimestamp == nil && c.Query == ""
}

// RelationalStore is the authoritative identity-assigning row store.
type RelationalStore interface {
	// Save persists a single entry and returns it with an assigned ID.
	Save(ctx context.Context, entry logentry.LogEntry) (logentry.LogEntry, error)
	// SaveAll persists entries within a single transaction, returning them
	// in input order with assigned IDs.
	SaveAll(ctx context.Context, entries []logentry.LogEntry) ([]logentry.LogEntry, error)
	// FindPage returns a page of entries matching criteria, sorted by
	// timestamp descending, plus the total matching count.
	FindPage(ctx context.Context, criteria Criteria, page, size int) ([]logentry.LogEntry, int64, error)
}

// SearchStore is the inverted-index document store serving filtered,
// paginated, analyzed-text queries.
type SearchStore interface {
	// BulkIndex writes a batch of documents to the index. Best-effort from
	// the ingest pipeline's perspective — see engine/ingest.
	BulkIndex(ctx context.Context, docs []logentry.LogDocument) error
	// Search executes a paginated query sorted by timestamp descending
	// with trackTotalHits=true semantics, returning the page and the
	// reported total.
	Search(ctx context.Context, criteria Criteria, page, size int) ([]logentry.LogDocument, int64, error)
	// Aggregate computes level/service counts over the first sampleSize
	// hits of the same criteria and sort.
	Aggregate(ctx context.Context, criteria Criteria, sampleSize int) (levelCounts map[logentry.Level]int64, serviceCounts map[string]int64, err error)
}

// Cache is the response cache fronting the search path. A nil Cache
// value is tolerated by CachedSearch, which degrades to direct search.
type Cache interface {
	Get(ctx context.Context, key string) (logentry.LogSearchResponse, bool, error)
	Put(ctx context.Context, key string, resp logentry.LogSearchResponse, ttl time.Duration) error
}
