// Package ingest implements the per-record and per-batch ingestion
// pipeline: convert a request to a relational entry, persist it,
// and best-effort index a linked search document.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/store"
	"github.com/streamlog/pipeline/pkg/fn"
)

// Pipeline composes the ingest path over a RelationalStore and
// SearchStore as a convert → insert → index chain of fn.Stage-composable
// steps.
type Pipeline struct {
	relational store.RelationalStore
	search     store.SearchStore
	log        *slog.Logger
}

// NewPipeline constructs a Pipeline. search may be nil, in which case
// indexing is skipped and entries are only persisted relationally.
func NewPipeline(relational store.RelationalStore, search store.SearchStore, log *slog.Logger) *Pipeline {
	if relational == nil {
		panic("ingest: NewPipeline requires a non-nil RelationalStore")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{relational: relational, search: search, log: log}
}

func toEntry(req logentry.LogEntryRequest) logentry.LogEntry {
	return logentry.LogEntry{
		Timestamp: req.Timestamp,
		ServiceID: req.ServiceID,
		Level:     req.Level,
		Message:   req.Message,
		Metadata:  req.Metadata,
		TraceID:   req.TraceID,
		CreatedAt: time.Now().UTC(),
	}
}

func toDocument(req logentry.LogEntryRequest, id int64) logentry.LogDocument {
	pid := id
	return logentry.LogDocument{
		ID:         uuid.NewString(),
		Timestamp:  req.Timestamp,
		ServiceID:  req.ServiceID,
		Level:      req.Level,
		Message:    req.Message,
		Metadata:   req.Metadata,
		TraceID:    req.TraceID,
		CreatedAt:  time.Now().UTC(),
		PostgresID: &pid,
	}
}

// convertedEntry carries a request alongside its relational shape through
// the stage chain, since the index stage still needs fields off the
// original request (metadata, level) after the save stage has run.
type convertedEntry struct {
	req   logentry.LogEntryRequest
	entry logentry.LogEntry
}

func (p *Pipeline) convertStage() fn.Stage[logentry.LogEntryRequest, convertedEntry] {
	return fn.MapStage(func(req logentry.LogEntryRequest) convertedEntry {
		return convertedEntry{req: req, entry: toEntry(req)}
	})
}

func (p *Pipeline) saveStage() fn.Stage[convertedEntry, convertedEntry] {
	return func(ctx context.Context, c convertedEntry) fn.Result[convertedEntry] {
		saved, err := p.relational.Save(ctx, c.entry)
		if err != nil {
			return fn.Err[convertedEntry](fmt.Errorf("ingest: relational save: %w", err))
		}
		c.entry = saved
		return fn.Ok(c)
	}
}

func (p *Pipeline) indexStage() fn.Stage[convertedEntry, logentry.LogEntry] {
	return func(ctx context.Context, c convertedEntry) fn.Result[logentry.LogEntry] {
		p.indexBestEffort(ctx, []logentry.LogEntryRequest{c.req}, []logentry.LogEntry{c.entry})
		return fn.Ok(c.entry)
	}
}

func (p *Pipeline) logStage() fn.Stage[logentry.LogEntry, logentry.LogEntry] {
	return fn.TapStage(func(_ context.Context, entry logentry.LogEntry) {
		p.log.Debug("ingest: entry persisted", "id", entry.ID, "serviceId", entry.ServiceID)
	})
}

// AsStage composes the convert → save → index → log chain as a single
// fn.Stage, traced as one span. Ingest runs this stage to completion.
func (p *Pipeline) AsStage() fn.Stage[logentry.LogEntryRequest, logentry.LogEntry] {
	saved := fn.Then(p.convertStage(), p.saveStage())
	indexed := fn.Then(saved, p.indexStage())
	logged := fn.Then(indexed, p.logStage())
	return fn.TracedStage("ingest.Ingest", logged)
}

// Ingest converts req to a relational entry, inserts it, and returns the
// persisted entry with its assigned identity. Search indexing is
// best-effort: a failure is logged but does not fail ingestion.
func (p *Pipeline) Ingest(ctx context.Context, req logentry.LogEntryRequest) (logentry.LogEntry, error) {
	entry, err := p.AsStage()(ctx, req).Unwrap()
	if err != nil {
		return logentry.LogEntry{}, err
	}
	return entry, nil
}

// IngestBatch inserts all requests within a single relational transaction
// (delegated to the RelationalStore's SaveAll) and returns the persisted
// entries in input order. After relational persistence succeeds, the batch
// is indexed into the search store.
//
// Linking uses positional pairing (saved[i] <-> requests[i]) rather than
// the composite key serviceId+":"+timestamp some deployments of this
// pipeline have used historically: that rule collides whenever two
// requests from the same service share a millisecond-resolution
// timestamp, silently attaching one document's postgresId to the wrong
// entry. Position is exact because SaveAll is contractually order
// preserving.
func (p *Pipeline) IngestBatch(ctx context.Context, reqs []logentry.LogEntryRequest) ([]logentry.LogEntry, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	entries := make([]logentry.LogEntry, len(reqs))
	for i, req := range reqs {
		entries[i] = toEntry(req)
	}

	saved, err := p.relational.SaveAll(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("ingest: relational saveAll: %w", err)
	}
	if len(saved) != len(reqs) {
		return nil, fmt.Errorf("ingest: relational saveAll returned %d entries for %d requests", len(saved), len(reqs))
	}

	p.indexBestEffort(ctx, reqs, saved)

	return saved, nil
}

func (p *Pipeline) indexBestEffort(ctx context.Context, reqs []logentry.LogEntryRequest, saved []logentry.LogEntry) {
	if p.search == nil {
		return
	}

	docs := make([]logentry.LogDocument, len(reqs))
	for i, req := range reqs {
		docs[i] = toDocument(req, saved[i].ID)
	}

	if err := p.search.BulkIndex(ctx, docs); err != nil {
		p.log.Error("ingest: search indexing failed, relational write remains authoritative",
			"error", err, "count", len(docs))
	}
}
