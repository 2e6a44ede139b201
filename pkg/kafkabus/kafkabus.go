// Package kafkabus provides typed publish/consume helpers over Sarama with
// OpenTelemetry trace propagation through record headers, generalizing the
// producer/subscriber shape the rest of this module relies on for every bus
// topic (logs, logs-dlq).
package kafkabus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

// AsyncProducer is the subset of sarama.AsyncProducer every publisher in
// this module needs. A real sarama.AsyncProducer satisfies it
// automatically; tests supply a channel-backed fake instead of a full
// broker mock.
type AsyncProducer interface {
	Input() chan<- *sarama.ProducerMessage
	Successes() <-chan *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	Close() error
}

// producerHeaderCarrier adapts a []sarama.RecordHeader slice for OTel's
// TextMapCarrier so trace context can be injected before publish.
type producerHeaderCarrier struct {
	headers *[]sarama.RecordHeader
}

func (c producerHeaderCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c producerHeaderCarrier) Set(key, val string) {
	for i, h := range *c.headers {
		if string(h.Key) == key {
			(*c.headers)[i].Value = []byte(val)
			return
		}
	}
	*c.headers = append(*c.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(val)})
}

func (c producerHeaderCarrier) Keys() []string {
	keys := make([]string, len(*c.headers))
	for i, h := range *c.headers {
		keys[i] = string(h.Key)
	}
	return keys
}

// consumerHeaderCarrier adapts a []*sarama.RecordHeader slice (the shape
// sarama hands back on consumed records) for OTel extraction.
type consumerHeaderCarrier []*sarama.RecordHeader

func (c consumerHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c consumerHeaderCarrier) Set(string, string) {}

func (c consumerHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}

// NewProducerConfig returns a sarama config tuned for fire-and-forget
// publication with per-key ordering: acks from all in-sync replicas, hash
// partitioning by key so every message for a serviceId lands on the same
// partition, and success/error channels enabled for async observation.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

// NewConsumerConfig returns a sarama config with the default automatic
// offset-commit policy, committed periodically by the background ticker
// after ConsumeClaim marks an offset.
func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewAsyncProducer dials a Sarama async producer against brokers.
func NewAsyncProducer(brokers []string, cfg *sarama.Config) (sarama.AsyncProducer, error) {
	if cfg == nil {
		cfg = NewProducerConfig()
	}
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkabus: new async producer: %w", err)
	}
	return p, nil
}

// NewConsumerGroup dials a Sarama consumer group against brokers.
func NewConsumerGroup(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	if cfg == nil {
		cfg = NewConsumerConfig()
	}
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkabus: new consumer group %q: %w", groupID, err)
	}
	return g, nil
}

// BuildMessage JSON-encodes v, injects the trace context from ctx into
// record headers, and returns a ProducerMessage ready for publish keyed by
// key (the partitioning key — serviceId throughout this system).
func BuildMessage[T any](ctx context.Context, topic, key string, v T) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kafkabus: marshal: %w", err)
	}
	var headers []sarama.RecordHeader
	otel.GetTextMapPropagator().Inject(ctx, producerHeaderCarrier{headers: &headers})
	return &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(data),
		Headers: headers,
	}, nil
}

// Decode unmarshals a consumed record's value into T and extracts the trace
// context carried in its headers, returning a context derived from ctx.
func Decode[T any](ctx context.Context, msg *sarama.ConsumerMessage) (T, context.Context, error) {
	var v T
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		return v, ctx, fmt.Errorf("kafkabus: unmarshal: %w", err)
	}
	extracted := otel.GetTextMapPropagator().Extract(ctx, consumerHeaderCarrier(msg.Headers))
	return v, extracted, nil
}

// HeaderValue returns the string value of a header on a consumed record, or
// "" if absent. The dlq-* enrichment keys are not headers; they travel in
// the JSON value's metadata.
func HeaderValue(headers []*sarama.RecordHeader, key string) string {
	for _, h := range headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
