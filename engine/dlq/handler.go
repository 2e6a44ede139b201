// Package dlq implements the dead-letter path: enriching a failed record
// with error context and republishing it to the DLQ topic, and a
// passive consumer that surfaces DLQ contents for operators.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/metrics"
	"github.com/streamlog/pipeline/pkg/kafkabus"
)

// Topic is the dead-letter bus topic.
const Topic = "logs-dlq"

// InspectorGroup is the consumer group DLQInspector joins.
const InspectorGroup = "dlq-inspector"

// Metadata enrichment keys. dlq-original-partition is spelled
// correctly here — see the corrected-typo note in DESIGN.md.
const (
	metaTimestamp         = "dlq-timestamp"
	metaError             = "dlq-error"
	metaErrorCode         = "dlq-error-code"
	metaOriginalPartition = "dlq-original-partition"
	metaOriginalOffset    = "dlq-original-offset"
)

// ErrorHandler enriches failed requests with failure context and
// republishes them to the DLQ topic, keyed by serviceId.
type ErrorHandler struct {
	async kafkabus.AsyncProducer
	log   *slog.Logger
}

// NewErrorHandler wraps an already-dialed async producer dedicated to the
// DLQ topic and starts the background goroutine that watches for publish
// failures.
func NewErrorHandler(async kafkabus.AsyncProducer, log *slog.Logger) *ErrorHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &ErrorHandler{async: async, log: log}
	go h.watchAcks()
	return h
}

// watchAcks logs at critical severity on an observed DLQ publish failure —
// the data-loss boundary.
func (h *ErrorHandler) watchAcks() {
	for {
		select {
		case _, ok := <-h.async.Successes():
			if !ok {
				return
			}
		case perr, ok := <-h.async.Errors():
			if !ok {
				return
			}
			h.log.Error("dlq: publish to logs-dlq failed", "critical", true, "error", perr.Err)
		}
	}
}

// Handle builds an enriched copy of req (original metadata plus the dlq-*
// keys), publishes it to the DLQ topic, and increments logs.dlq.total. A
// publish failure is logged at the critical (Error, with a "critical"
// marker attribute) level — this is the data-loss boundary.
func (h *ErrorHandler) Handle(ctx context.Context, req logentry.LogEntryRequest, cause error, partition int32, offset int64) error {
	enriched := req
	enriched.Metadata = req.Metadata.Clone()
	enriched.Metadata[metaTimestamp] = time.Now().UTC().Format(time.RFC3339)
	enriched.Metadata[metaError] = cause.Error()
	enriched.Metadata[metaErrorCode] = fmt.Sprintf("%T", cause)
	enriched.Metadata[metaOriginalPartition] = partition
	enriched.Metadata[metaOriginalOffset] = offset

	msg, err := kafkabus.BuildMessage(ctx, Topic, enriched.ServiceID, enriched)
	if err != nil {
		h.log.Error("dlq: failed to build message", "critical", true, "error", err, "serviceId", enriched.ServiceID)
		return err
	}

	select {
	case h.async.Input() <- msg:
	case <-ctx.Done():
		h.log.Error("dlq: publish failed, context cancelled", "critical", true, "serviceId", enriched.ServiceID)
		return ctx.Err()
	}

	metrics.LogsDLQTotal.Inc()
	return nil
}
