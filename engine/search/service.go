package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/store"
)

// DefaultAggregationSampleSize is the number of leading hits
// searchWithMetrics samples for level/service counts when the caller does
// not override it.
const DefaultAggregationSampleSize = 1000

// Service performs paginated queries with sampled aggregations over a
// SearchStore.
type Service struct {
	store      store.SearchStore
	sampleSize int
	log        *slog.Logger
}

// NewService constructs a Service. sampleSize <= 0 falls back to
// DefaultAggregationSampleSize.
func NewService(s store.SearchStore, sampleSize int, log *slog.Logger) *Service {
	if s == nil {
		panic("search: NewService requires a non-nil SearchStore")
	}
	if sampleSize <= 0 {
		sampleSize = DefaultAggregationSampleSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, sampleSize: sampleSize, log: log}
}

// Search validates the time range, builds criteria, and executes a
// paginated query sorted by timestamp descending with trackTotalHits
// semantics.
func (s *Service) Search(ctx context.Context, req logentry.LogSearchRequest) (logentry.LogSearchResponse, error) {
	if err := logentry.ValidateTimeRange(req); err != nil {
		return logentry.LogSearchResponse{}, err
	}
	req = req.Normalize()
	criteria := BuildCriteria(req)

	docs, total, err := s.store.Search(ctx, criteria, req.Page, req.Size)
	if err != nil {
		return logentry.LogSearchResponse{}, fmt.Errorf("search: store query: %w", err)
	}

	return toResponse(docs, total, req.Page, req.Size, nil, nil), nil
}

// SearchWithMetrics performs the paginated query and then a second query
// over the first sampleSize hits to compute sampled level/service counts.
// An aggregation failure never fails the overall request — it logs a
// warning and returns empty maps.
func (s *Service) SearchWithMetrics(ctx context.Context, req logentry.LogSearchRequest) (logentry.LogSearchResponse, error) {
	if err := logentry.ValidateTimeRange(req); err != nil {
		return logentry.LogSearchResponse{}, err
	}
	req = req.Normalize()
	criteria := BuildCriteria(req)

	docs, total, err := s.store.Search(ctx, criteria, req.Page, req.Size)
	if err != nil {
		return logentry.LogSearchResponse{}, fmt.Errorf("search: store query: %w", err)
	}

	levelCounts, serviceCounts, err := s.store.Aggregate(ctx, criteria, s.sampleSize)
	if err != nil {
		s.log.Warn("search: aggregation failed, returning empty counts", "error", err)
		levelCounts, serviceCounts = map[logentry.Level]int64{}, map[string]int64{}
	}

	return toResponse(docs, total, req.Page, req.Size, levelCounts, serviceCounts), nil
}

func toResponse(docs []logentry.LogDocument, total int64, page, size int, levelCounts map[logentry.Level]int64, serviceCounts map[string]int64) logentry.LogSearchResponse {
	totalPages := 0
	if size > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(size)))
	}
	return logentry.LogSearchResponse{
		Logs:          docs,
		TotalElements: total,
		TotalPages:    totalPages,
		CurrentPage:   page,
		Size:          size,
		LevelCounts:   levelCounts,
		ServiceCounts: serviceCounts,
	}
}
