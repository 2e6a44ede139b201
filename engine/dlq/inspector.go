package dlq

import (
	"context"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/pkg/kafkabus"
)

// Inspector is a passive consumer on the DLQ topic under group
// dlq-inspector. Autostart is disabled — operators construct and run it
// on demand; it performs no action beyond logging.
type Inspector struct {
	log *slog.Logger
}

// NewInspector constructs an Inspector.
func NewInspector(log *slog.Logger) *Inspector {
	if log == nil {
		log = slog.Default()
	}
	return &Inspector{log: log}
}

// Setup satisfies sarama.ConsumerGroupHandler.
func (i *Inspector) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup satisfies sarama.ConsumerGroupHandler.
func (i *Inspector) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim logs a WARN line per DLQ entry with serviceId, dlq-error,
// and dlq-timestamp, then marks the offset. Malformed records are logged
// and skipped rather than poisoning the claim.
func (i *Inspector) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		entry, _, err := kafkabus.Decode[logentry.LogEntryRequest](context.Background(), msg)
		if err != nil {
			i.log.Warn("dlq-inspector: malformed DLQ record, skipping", "error", err, "partition", msg.Partition, "offset", msg.Offset)
			session.MarkMessage(msg, "")
			continue
		}

		dlqError, _ := entry.Metadata[metaError].(string)
		dlqTimestamp, _ := entry.Metadata[metaTimestamp].(string)

		i.log.Warn("dlq-inspector: entry",
			"serviceId", entry.ServiceID,
			"dlq-error", dlqError,
			"dlq-timestamp", dlqTimestamp,
		)

		session.MarkMessage(msg, "")
	}
	return nil
}

// Run joins the dlq-inspector consumer group and blocks consuming the DLQ
// topic until ctx is cancelled.
func Run(ctx context.Context, group sarama.ConsumerGroup, log *slog.Logger) error {
	inspector := NewInspector(log)
	for {
		if err := group.Consume(ctx, []string{Topic}, inspector); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
