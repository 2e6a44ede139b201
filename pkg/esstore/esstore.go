// Package esstore adapts an Elasticsearch client to engine/store's
// SearchStore contract: bulk indexing, paginated filtered search, and terms
// aggregation, grounded on the bulk/search/aggs request shapes a log
// aggregation system builds against go-elasticsearch.
package esstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/store"
	"github.com/streamlog/pipeline/pkg/resilience"
)

// Store indexes and searches LogDocument records in a single Elasticsearch
// index.
type Store struct {
	client  *elasticsearch.Client
	index   string
	breaker *resilience.Breaker
}

// New wraps an already-constructed client. breaker may be nil to disable
// circuit breaking.
func New(client *elasticsearch.Client, index string, breaker *resilience.Breaker) *Store {
	return &Store{client: client, index: index, breaker: breaker}
}

func (s *Store) withBreaker(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Call(ctx, func(context.Context) error { return fn() })
}

// Connect builds a go-elasticsearch client against the given addresses.
func Connect(addresses []string, username, password string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("esstore: new client: %w", err)
	}
	return client, nil
}

// BulkIndex writes docs to the index using the newline-delimited bulk API:
// one action line, one document line, per entry.
func (s *Store) BulkIndex(ctx context.Context, docs []logentry.LogDocument) error {
	if len(docs) == 0 {
		return nil
	}

	var body strings.Builder
	for _, doc := range docs {
		action := map[string]any{"index": map[string]any{"_index": s.index, "_id": doc.ID}}
		actionBytes, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("esstore: marshal bulk action: %w", err)
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("esstore: marshal document: %w", err)
		}
		body.Write(actionBytes)
		body.WriteByte('\n')
		body.Write(docBytes)
		body.WriteByte('\n')
	}

	return s.withBreaker(ctx, func() error {
		res, err := s.client.Bulk(
			strings.NewReader(body.String()),
			s.client.Bulk.WithContext(ctx),
			s.client.Bulk.WithIndex(s.index),
		)
		if err != nil {
			return fmt.Errorf("esstore: bulk request: %w", err)
		}
		defer res.Body.Close()

		if res.IsError() {
			return fmt.Errorf("esstore: bulk request returned error status: %s", res.Status())
		}

		var parsed struct {
			Errors bool `json:"errors"`
			Items  []map[string]struct {
				Status int `json:"status"`
				Error  *struct {
					Reason string `json:"reason"`
				} `json:"error"`
			} `json:"items"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("esstore: decode bulk response: %w", err)
		}
		if parsed.Errors {
			for _, item := range parsed.Items {
				for _, result := range item {
					if result.Error != nil {
						return fmt.Errorf("esstore: bulk item failed: %s", result.Error.Reason)
					}
				}
			}
		}
		return nil
	})
}

// Search runs a filtered, paginated query sorted by timestamp descending,
// tracking the exact total hit count.
func (s *Store) Search(ctx context.Context, criteria store.Criteria, page, size int) ([]logentry.LogDocument, int64, error) {
	query := buildQuery(criteria)
	body, err := json.Marshal(map[string]any{
		"query":            query,
		"from":             page * size,
		"size":             size,
		"track_total_hits": true,
		"sort": []map[string]any{
			{"timestamp": map[string]any{"order": "desc"}},
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("esstore: marshal search body: %w", err)
	}

	var docs []logentry.LogDocument
	var total int64
	err = s.withBreaker(ctx, func() error {
		res, err := s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.index),
			s.client.Search.WithBody(strings.NewReader(string(body))),
		)
		if err != nil {
			return fmt.Errorf("esstore: search request: %w", err)
		}
		defer res.Body.Close()

		if res.IsError() {
			return fmt.Errorf("esstore: search returned error status: %s", res.Status())
		}

		var parsed searchResponse
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("esstore: decode search response: %w", err)
		}

		docs = make([]logentry.LogDocument, 0, len(parsed.Hits.Hits))
		for _, hit := range parsed.Hits.Hits {
			var doc logentry.LogDocument
			if err := json.Unmarshal(hit.Source, &doc); err != nil {
				return fmt.Errorf("esstore: decode hit: %w", err)
			}
			docs = append(docs, doc)
		}
		total = parsed.Hits.Total.Value
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// Aggregate computes level and service counts with terms aggregations
// (up to 10 level buckets and 1000 service buckets) over every document
// matching criteria. sampleSize is sent as the body's size, but the
// request's size=0 parameter overrides it and no hits are returned, so the
// counts are not limited to the first sampleSize hits.
func (s *Store) Aggregate(ctx context.Context, criteria store.Criteria, sampleSize int) (map[logentry.Level]int64, map[string]int64, error) {
	query := buildQuery(criteria)
	body, err := json.Marshal(map[string]any{
		"query": query,
		"size":  sampleSize,
		"sort": []map[string]any{
			{"timestamp": map[string]any{"order": "desc"}},
		},
		"aggs": map[string]any{
			"by_level": map[string]any{
				"terms": map[string]any{"field": "level", "size": 10},
			},
			"by_service": map[string]any{
				"terms": map[string]any{"field": "serviceId", "size": 1000},
			},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("esstore: marshal aggregate body: %w", err)
	}

	var levelCounts map[logentry.Level]int64
	var serviceCounts map[string]int64
	err = s.withBreaker(ctx, func() error {
		res, err := s.client.Search(
			s.client.Search.WithContext(ctx),
			s.client.Search.WithIndex(s.index),
			s.client.Search.WithBody(strings.NewReader(string(body))),
			s.client.Search.WithSize(0),
		)
		if err != nil {
			return fmt.Errorf("esstore: aggregate request: %w", err)
		}
		defer res.Body.Close()

		if res.IsError() {
			return fmt.Errorf("esstore: aggregate returned error status: %s", res.Status())
		}

		var parsed struct {
			Aggregations struct {
				ByLevel   termsAgg `json:"by_level"`
				ByService termsAgg `json:"by_service"`
			} `json:"aggregations"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("esstore: decode aggregate response: %w", err)
		}

		levelCounts = make(map[logentry.Level]int64, len(parsed.Aggregations.ByLevel.Buckets))
		for _, bucket := range parsed.Aggregations.ByLevel.Buckets {
			levelCounts[logentry.Level(strings.ToUpper(bucket.Key))] = bucket.DocCount
		}

		serviceCounts = make(map[string]int64, len(parsed.Aggregations.ByService.Buckets))
		for _, bucket := range parsed.Aggregations.ByService.Buckets {
			serviceCounts[bucket.Key] = bucket.DocCount
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return levelCounts, serviceCounts, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type termsAgg struct {
	Buckets []struct {
		Key      string `json:"key"`
		DocCount int64  `json:"doc_count"`
	} `json:"buckets"`
}

func buildQuery(c store.Criteria) map[string]any {
	if c.IsEmpty() {
		return map[string]any{"match_all": map[string]any{}}
	}

	var filters []map[string]any
	if c.ServiceID != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"serviceId": c.ServiceID}})
	}
	if c.HasLevel {
		filters = append(filters, map[string]any{"term": map[string]any{"level": string(c.Level)}})
	}
	if c.TraceID != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"traceId": c.TraceID}})
	}
	if c.StartTimestamp != nil && c.EndTimestamp != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{
				"timestamp": map[string]any{
					"gte": c.StartTimestamp.Format(time.RFC3339),
					"lte": c.EndTimestamp.Format(time.RFC3339),
				},
			},
		})
	}
	if c.Query != "" {
		filters = append(filters, map[string]any{
			"match": map[string]any{"message": c.Query},
		})
	}

	return map[string]any{"bool": map[string]any{"filter": filters}}
}
