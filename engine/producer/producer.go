// Package producer publishes validated log entries onto the bus, keyed by
// serviceId so that every entry for one service traverses a single
// partition and preserves per-service ordering end to end.
package producer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/metrics"
	"github.com/streamlog/pipeline/pkg/kafkabus"
)

// LogsTopic is the bus topic entries are published to.
const LogsTopic = "logs"

// Producer wraps a Sarama async producer. Publication is fire-and-forget
// from the caller's perspective: Send/SendBatch only encode and enqueue the
// message, with success/failure observed asynchronously off the bus
// client's own I/O goroutines.
type Producer struct {
	async kafkabus.AsyncProducer
	log   *slog.Logger
}

// New wraps an already-dialed async producer and starts the background
// goroutine that drains its Successes()/Errors() channels.
func New(async kafkabus.AsyncProducer, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{async: async, log: log}
	go p.watchAcks()
	return p
}

func (p *Producer) watchAcks() {
	for {
		select {
		case msg, ok := <-p.async.Successes():
			if !ok {
				return
			}
			metrics.LogsPublishedTotal.Inc()
			p.log.Debug("producer: publish ack", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		case perr, ok := <-p.async.Errors():
			if !ok {
				return
			}
			serviceID, traceID := "", ""
			if perr.Msg != nil {
				serviceID = keyString(perr.Msg.Key)
				traceID = traceIDFromValue(perr.Msg.Value)
			}
			p.log.Error("producer: publish failed", "error", perr.Err, "serviceId", serviceID, "traceId", traceID)
		}
	}
}

func keyString(enc sarama.Encoder) string {
	if enc == nil {
		return ""
	}
	b, err := enc.Encode()
	if err != nil {
		return ""
	}
	return string(b)
}

// traceIDFromValue recovers the traceId carried in a failed message's
// JSON-encoded value, built by kafkabus.BuildMessage from a
// logentry.LogEntryRequest. Returns "" if the value is missing, not valid
// JSON, or carries no traceId.
func traceIDFromValue(enc sarama.Encoder) string {
	if enc == nil {
		return ""
	}
	b, err := enc.Encode()
	if err != nil {
		return ""
	}
	var v struct {
		TraceID string `json:"traceId"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return ""
	}
	return v.TraceID
}

// Send publishes a single validated request to the logs topic, keyed by
// serviceId. Validation must already have happened at the transport layer —
// this is a thin, typed wrapper.
func (p *Producer) Send(ctx context.Context, req logentry.LogEntryRequest) error {
	msg, err := kafkabus.BuildMessage(ctx, LogsTopic, req.ServiceID, req)
	if err != nil {
		return err
	}
	p.async.Input() <- msg
	return nil
}

// SendBatch publishes each request in order. Each call is independently
// fire-and-forget; ordering across the batch is only preserved per
// serviceId since distinct services may land on distinct partitions.
func (p *Producer) SendBatch(ctx context.Context, reqs []logentry.LogEntryRequest) error {
	for _, req := range reqs {
		if err := p.Send(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying async producer.
func (p *Producer) Close() error {
	return p.async.Close()
}
