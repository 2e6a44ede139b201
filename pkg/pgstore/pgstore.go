// Package pgstore adapts a PostgreSQL connection pool to engine/store's
// RelationalStore contract: persisting individual and batched log entries
// and serving paginated, filtered reads back out, grounded on the pgx
// conventions the litellmdb module uses for its own tables.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/store"
	"github.com/streamlog/pipeline/pkg/resilience"
)

// Store persists LogEntry records in a "logs" table and serves paginated
// reads back out.
type Store struct {
	pool    *pgxpool.Pool
	breaker *resilience.Breaker
	ids     *idAllocator
}

// New wraps an already-connected pool. breaker may be nil to disable circuit
// breaking (tests commonly do this against a real or fake pool).
func New(pool *pgxpool.Pool, breaker *resilience.Breaker) *Store {
	return &Store{pool: pool, breaker: breaker, ids: newIDAllocator(pool)}
}

// idBlockSize is how many identities idAllocator claims from logs_id_seq per
// round-trip.
const idBlockSize = 50

// idAllocator hands out logs.id values in blocks of idBlockSize, amortizing
// the sequence round-trip across every row in the block instead of paying it
// per insert. logs_id_seq is declared INCREMENT BY 50 (see migrations/), so
// one nextval() call reserves a whole block.
type idAllocator struct {
	mu   sync.Mutex
	pool *pgxpool.Pool
	next int64
	last int64
}

func newIDAllocator(pool *pgxpool.Pool) *idAllocator {
	return &idAllocator{pool: pool}
}

// blockStart computes the low end of the block that nextval just closed out
// at hi, given the sequence increments by blockSize each call.
func blockStart(hi, blockSize int64) int64 {
	return hi - blockSize + 1
}

func (a *idAllocator) allocate(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next > a.last {
		var hi int64
		if err := a.pool.QueryRow(ctx, `SELECT nextval('logs_id_seq')`).Scan(&hi); err != nil {
			return 0, fmt.Errorf("pgstore: allocate id block: %w", err)
		}
		a.next = blockStart(hi, idBlockSize)
		a.last = hi
	}

	id := a.next
	a.next++
	return id, nil
}

// Connect opens a pgxpool.Pool against dsn with the given bounds. Callers
// are responsible for closing the returned pool.
func Connect(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: invalid dsn: %w", err)
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return pool, nil
}

func (s *Store) withBreaker(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Call(ctx, func(context.Context) error { return fn() })
}

// Save inserts a single entry and returns it with its assigned identity and
// created_at timestamp populated. The identity comes from the in-memory
// block allocated by idAllocator, not a RETURNING id round-trip.
func (s *Store) Save(ctx context.Context, entry logentry.LogEntry) (logentry.LogEntry, error) {
	const query = `INSERT INTO logs (id, timestamp, service_id, level, message, metadata, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return logentry.LogEntry{}, fmt.Errorf("pgstore: marshal metadata: %w", err)
	}

	id, err := s.ids.allocate(ctx)
	if err != nil {
		return logentry.LogEntry{}, err
	}
	entry.ID = id

	err = s.withBreaker(ctx, func() error {
		return s.pool.QueryRow(ctx, query,
			entry.ID, entry.Timestamp, entry.ServiceID, entry.Level, entry.Message, metadata, entry.TraceID,
		).Scan(&entry.CreatedAt)
	})
	if err != nil {
		return logentry.LogEntry{}, fmt.Errorf("pgstore: save: %w", err)
	}
	return entry, nil
}

// SaveAll inserts entries in one batch, preserving input order in the
// returned slice so positional pairing with the caller's original requests
// holds. Identities come from idAllocator, which only round-trips to the
// sequence once per idBlockSize entries.
func (s *Store) SaveAll(ctx context.Context, entries []logentry.LogEntry) ([]logentry.LogEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	const query = `INSERT INTO logs (id, timestamp, service_id, level, message, metadata, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	saved := make([]logentry.LogEntry, len(entries))
	copy(saved, entries)

	for i := range saved {
		id, err := s.ids.allocate(ctx)
		if err != nil {
			return nil, err
		}
		saved[i].ID = id

		metadata, err := json.Marshal(saved[i].Metadata)
		if err != nil {
			return nil, fmt.Errorf("pgstore: marshal metadata: %w", err)
		}
		batch.Queue(query, saved[i].ID, saved[i].Timestamp, saved[i].ServiceID, saved[i].Level, saved[i].Message, metadata, saved[i].TraceID)
	}

	err := s.withBreaker(ctx, func() error {
		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()
		for i := range saved {
			if err := results.QueryRow().Scan(&saved[i].CreatedAt); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: save all: %w", err)
	}
	return saved, nil
}

// FindPage runs a filtered, paginated query against the logs table.
func (s *Store) FindPage(ctx context.Context, criteria store.Criteria, page, size int) ([]logentry.LogEntry, int64, error) {
	where, args := buildWhere(criteria)

	var total int64
	countQuery := "SELECT count(*) FROM logs" + where
	err := s.withBreaker(ctx, func() error {
		return s.pool.QueryRow(ctx, countQuery, args...).Scan(&total)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("pgstore: count: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	pageArgs := append(append([]any{}, args...), size, page*size)
	selectQuery := fmt.Sprintf(
		`SELECT id, timestamp, service_id, level, message, metadata, trace_id, created_at
		 FROM logs%s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2,
	)

	var entries []logentry.LogEntry
	err = s.withBreaker(ctx, func() error {
		rows, err := s.pool.Query(ctx, selectQuery, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e logentry.LogEntry
			var metadata []byte
			if err := rows.Scan(&e.ID, &e.Timestamp, &e.ServiceID, &e.Level, &e.Message, &metadata, &e.TraceID, &e.CreatedAt); err != nil {
				return err
			}
			if len(metadata) > 0 {
				if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
					return fmt.Errorf("unmarshal metadata: %w", err)
				}
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("pgstore: find page: %w", err)
	}

	return entries, total, nil
}

func buildWhere(c store.Criteria) (string, []any) {
	if c.IsEmpty() {
		return "", nil
	}

	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if c.ServiceID != "" {
		clauses = append(clauses, "service_id = "+next(c.ServiceID))
	}
	if c.HasLevel {
		clauses = append(clauses, "level = "+next(c.Level))
	}
	if c.TraceID != "" {
		clauses = append(clauses, "trace_id = "+next(c.TraceID))
	}
	if c.StartTimestamp != nil && c.EndTimestamp != nil {
		clauses = append(clauses, "timestamp >= "+next(*c.StartTimestamp))
		clauses = append(clauses, "timestamp <= "+next(*c.EndTimestamp))
	}
	if c.Query != "" {
		clauses = append(clauses, "message ILIKE "+next("%"+c.Query+"%"))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
