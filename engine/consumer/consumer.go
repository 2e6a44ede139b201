// Package consumer implements the BatchConsumer: a consumer-group handler
// that pulls records off the logs topic, dispatches each through the
// ingestion pipeline in order, tallies outcomes, and routes per-record
// failures to the DLQ without ever letting them escape the handler.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/metrics"
	"github.com/streamlog/pipeline/pkg/kafkabus"
)

// Group is the consumer group BatchConsumer joins.
const Group = "log-processor-group"

// Topic is the bus topic the BatchConsumer subscribes to.
const Topic = "logs"

// Ingester is the narrow view of engine/ingest.Pipeline this package
// depends on, so tests can substitute a fake without constructing real
// stores.
type Ingester interface {
	Ingest(ctx context.Context, req logentry.LogEntryRequest) (logentry.LogEntry, error)
}

// DLQRouter is the narrow view of engine/dlq.ErrorHandler this package
// depends on.
type DLQRouter interface {
	Handle(ctx context.Context, req logentry.LogEntryRequest, cause error, partition int32, offset int64) error
}

// BatchConsumer is a sarama.ConsumerGroupHandler. Within one partition
// claim, records are processed strictly in order to preserve per-service
// ordering; a per-record failure is routed to the DLQ and never returned
// from ConsumeClaim, since returning an error there is treated by the bus
// client as a poison batch.
type BatchConsumer struct {
	ingest Ingester
	dlq    DLQRouter
	log    *slog.Logger
}

// New constructs a BatchConsumer.
func New(ingest Ingester, dlqRouter DLQRouter, log *slog.Logger) *BatchConsumer {
	if ingest == nil {
		panic("consumer: New requires a non-nil Ingester")
	}
	if log == nil {
		log = slog.Default()
	}
	return &BatchConsumer{ingest: ingest, dlq: dlqRouter, log: log}
}

// Setup satisfies sarama.ConsumerGroupHandler.
func (c *BatchConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup satisfies sarama.ConsumerGroupHandler.
func (c *BatchConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// batchSize bounds how many records accumulate before ConsumeClaim flushes
// them through the ingest pipeline.
const batchSize = 500

// flushInterval bounds how long a partial batch waits before flushing, so
// a partition with low traffic still reports promptly. A var, not a const,
// so tests can shrink it.
var flushInterval = 5 * time.Second

// ConsumeClaim accumulates records off claim.Messages() into batches bounded
// by batchSize and flushInterval, dispatching each flushed batch through the
// ingest pipeline in order and logging/observing once per flush. It returns
// once the claim's message channel closes (rebalance or shutdown), flushing
// any partial batch first.
func (c *BatchConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*sarama.ConsumerMessage, 0, batchSize)
	messages := claim.Messages()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				c.flush(session, batch)
				return nil
			}
			batch = append(batch, msg)
			if len(batch) >= batchSize {
				c.flush(session, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			c.flush(session, batch)
			batch = batch[:0]
		}
	}
}

// flush dispatches every record in batch through the ingest pipeline, in
// order, then emits one structured log line and one
// consumer.batch.processing.duration observation for the whole batch.
func (c *BatchConsumer) flush(session sarama.ConsumerGroupSession, batch []*sarama.ConsumerMessage) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	var succeeded, failed int

	for _, msg := range batch {
		c.handleRecord(session, msg, &succeeded, &failed)
	}

	elapsed := time.Since(start)
	metrics.BatchProcessingDuration.Observe(elapsed.Seconds())

	throughput := 0.0
	if elapsed.Seconds() > 0 {
		throughput = float64(succeeded) / elapsed.Seconds()
	}
	c.log.Info("consumer: batch complete",
		"succeeded", succeeded,
		"failed", failed,
		"elapsed", elapsed,
		"throughput_per_sec", throughput,
	)
}

func (c *BatchConsumer) handleRecord(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, succeeded, failed *int) {
	metrics.LogsConsumedTotal.Inc()

	req, ctx, err := kafkabus.Decode[logentry.LogEntryRequest](session.Context(), msg)
	if err != nil {
		c.routeFailure(session.Context(), req, err, msg.Partition, msg.Offset)
		*failed++
		session.MarkMessage(msg, "")
		return
	}

	if _, err := c.ingest.Ingest(ctx, req); err != nil {
		c.routeFailure(ctx, req, err, msg.Partition, msg.Offset)
		*failed++
		session.MarkMessage(msg, "")
		return
	}

	*succeeded++
	session.MarkMessage(msg, "")
}

func (c *BatchConsumer) routeFailure(ctx context.Context, req logentry.LogEntryRequest, cause error, partition int32, offset int64) {
	if c.dlq == nil {
		c.log.Error("consumer: record failed and no DLQ router configured", "error", cause, "partition", partition, "offset", offset)
		return
	}
	if err := c.dlq.Handle(ctx, req, cause, partition, offset); err != nil {
		c.log.Error("consumer: DLQ routing failed", "critical", true, "error", err, "partition", partition, "offset", offset)
	}
}
