// Package search implements the query side of the pipeline: translating
// filter requests into search-store criteria, running paginated queries
// with sampled aggregations, and fronting both with a content-addressed
// cache.
package search

import (
	"strings"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/store"
)

// BuildCriteria translates a LogSearchRequest into the AND-combined,
// opaque criteria a SearchStore adapter understands. Absent filters are
// omitted; an entirely empty request produces match-all criteria.
func BuildCriteria(req logentry.LogSearchRequest) store.Criteria {
	c := store.Criteria{
		ServiceID: strings.TrimSpace(req.ServiceID),
		TraceID:   strings.TrimSpace(req.TraceID),
		Query:     strings.TrimSpace(req.Query),
	}
	if req.Level != "" {
		c.Level = req.Level
		c.HasLevel = true
	}
	if req.StartTimestamp != nil && req.EndTimestamp != nil {
		c.StartTimestamp = req.StartTimestamp
		c.EndTimestamp = req.EndTimestamp
	}
	return c
}
