// Package kafka publishes outbox messages to Kafka topics with
// github.com/segmentio/kafka-go.
//
// Messages are keyed by aggregate stream ("Family-ID"), so every event of one
// patient, visit or form lands on the same partition in commit order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/clinprecision/clinops-core"
)

// Writer is the part of *kafkago.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher publishes outbox messages to Kafka.
// Destination format: "kafka:topic-name".
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	compression  kafkago.Compression
	transport    kafkago.RoundTripper
	newWriter    func(topic string) Writer

	mu      sync.RWMutex
	writers map[string]Writer
}

var _ clinops.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithBrokers sets the broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the partitioner. Defaults to hashing the message key.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the writer batch timeout.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithCompression sets the message compression codec.
func WithCompression(c kafkago.Compression) Option {
	return func(p *Publisher) {
		p.compression = c
	}
}

// WithTransport sets the transport, for TLS or SASL.
func WithTransport(rt kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = rt
	}
}

// WithWriterFactory replaces the per-topic writer constructor.
func WithWriterFactory(fn func(topic string) Writer) Option {
	return func(p *Publisher) {
		p.newWriter = fn
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		compression:  kafkago.Snappy,
		writers:      make(map[string]Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.newWriter == nil {
		p.newWriter = p.kafkaWriter
	}
	return p
}

// Destination returns the prefix this publisher owns.
func (p *Publisher) Destination() string {
	return "kafka"
}

// Publish writes messages to the topics named by their destinations. Every
// topic is attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*clinops.OutboxMessage) error {
	grouped := make(map[string][]kafkago.Message)
	var order []string
	var errs []error
	for _, msg := range messages {
		topic := extractTopic(msg.Destination)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}
		if _, ok := grouped[topic]; !ok {
			order = append(order, topic)
		}
		grouped[topic] = append(grouped[topic], toKafka(msg))
	}

	for _, topic := range order {
		if err := p.writer(topic).WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func toKafka(msg *clinops.OutboxMessage) kafkago.Message {
	km := kafkago.Message{
		Key:   []byte(partitionKey(msg)),
		Value: msg.Payload,
	}
	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func partitionKey(msg *clinops.OutboxMessage) string {
	if msg.Family == "" {
		return msg.AggregateID
	}
	return msg.Family + "-" + msg.AggregateID
}

// Close closes every writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: closing writer for %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (p *Publisher) writer(topic string) Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

func (p *Publisher) kafkaWriter(topic string) Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Compression:            p.compression,
		RequiredAcks:           kafkago.RequireAll,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
}

func extractTopic(destination string) string {
	const prefix = "kafka:"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}
