// Package kafka delivers relayed records to a Kafka cluster using
// segmentio/kafka-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"mqtt-kafka-bridge/config"
	"mqtt-kafka-bridge/internal/broker"
	"mqtt-kafka-bridge/internal/logger"
	"mqtt-kafka-bridge/internal/relay"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// topicProber checks that the destination cluster answers for a topic.
type topicProber func(ctx context.Context, brokers []string, topic string) error

// Sink publishes records asynchronously. Each record carries its ack channel
// in kafka.Message.WriterData and the writer's completion callback resolves it.
type Sink struct {
	brokers  []string
	topic    string
	cfg      config.KafkaConfig
	acks     kafka.RequiredAcks
	codec    kafka.Compression
	tls      *tls.Config
	clientID string
	logger   *logger.Logger

	probe     topicProber
	newWriter func(s *Sink) messageWriter

	mu     sync.RWMutex
	writer messageWriter
}

type SinkOption func(*Sink)

func withProber(p topicProber) SinkOption {
	return func(s *Sink) { s.probe = p }
}

func withWriterFactory(f func(s *Sink) messageWriter) SinkOption {
	return func(s *Sink) { s.newWriter = f }
}

// NewSink validates the producer settings in cfg and returns an unopened sink.
func NewSink(cfg *config.Config, log *logger.Logger, opts ...SinkOption) (*Sink, error) {
	acks, err := requiredAcks(cfg.Destination.Kafka, cfg.Delivery.Guarantee)
	if err != nil {
		return nil, err
	}
	codec, err := compression(cfg.Destination.Kafka.Compression)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := broker.NewTLSConfig(cfg.Destination.Kafka.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	s := &Sink{
		brokers:   cfg.Bridge.DestinationBrokers,
		topic:     cfg.Bridge.DestinationTopic,
		cfg:       cfg.Destination.Kafka,
		acks:      acks,
		codec:     codec,
		tls:       tlsConfig,
		clientID:  cfg.Bridge.ClientID,
		logger:    log,
		newWriter: newKafkaWriter,
	}
	s.probe = s.probeTopic
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open checks that the cluster serves the destination topic, then starts the
// writer. The writer itself connects lazily on the first batch.
func (s *Sink) Open(ctx context.Context) error {
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	if err := s.probe(ctx, s.brokers, s.topic); err != nil {
		return err
	}

	w := s.newWriter(s)
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	s.logger.Info("kafka producer ready",
		"brokers", s.brokers,
		"topic", s.topic,
		"requiredAcks", s.acks.String())
	return nil
}

// Publish enqueues rec and returns at once. The channel receives the
// outcome reported by the completion callback.
func (s *Sink) Publish(ctx context.Context, rec relay.OutboundRecord) <-chan error {
	ack := make(chan error, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer == nil {
		ack <- relay.ErrSinkClosed
		return ack
	}

	msg := kafka.Message{
		Topic:      rec.Topic,
		Key:        []byte(rec.Key),
		Value:      rec.Payload,
		WriterData: ack,
	}
	// A synchronous error means the message was never queued, so no
	// completion will follow.
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		ack <- err
	}
	return ack
}

// Close flushes queued batches and stops the writer.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	w := s.writer
	s.writer = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to close kafka writer: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete resolves the ack channel of every message in a finished batch.
func complete(messages []kafka.Message, err error) {
	for _, m := range messages {
		if ack, ok := m.WriterData.(chan error); ok {
			ack <- err
		}
	}
}

func newKafkaWriter(s *Sink) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(s.brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    s.cfg.BatchSize,
		BatchTimeout: s.cfg.BatchTimeout,
		MaxAttempts:  s.cfg.MaxAttempts,
		RequiredAcks: s.acks,
		Compression:  s.codec,
		Async:        true,
		Completion:   complete,
		Transport:    s.transport(),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			s.logger.Error("kafka writer error", "detail", fmt.Sprintf(msg, args...))
		}),
	}
}

func (s *Sink) transport() *kafka.Transport {
	return &kafka.Transport{
		ClientID:    s.clientID,
		DialTimeout: s.cfg.DialTimeout,
		TLS:         s.tls,
	}
}

func (s *Sink) probeTopic(ctx context.Context, brokers []string, topic string) error {
	client := &kafka.Client{Addr: kafka.TCP(brokers...), Transport: s.transport()}
	resp, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return fmt.Errorf("failed to fetch metadata: %w", err)
	}
	for _, t := range resp.Topics {
		if t.Name == topic && t.Error != nil {
			return fmt.Errorf("topic %s unavailable: %w", topic, t.Error)
		}
	}
	return nil
}

// requiredAcks picks the acks level: an explicit override wins, otherwise
// at-most-once sends without acks and at-least-once waits for all replicas.
func requiredAcks(cfg config.KafkaConfig, guarantee string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(cfg.RequiredAcks) {
	case "":
		if guarantee == config.AtMostOnce {
			return kafka.RequireNone, nil
		}
		return kafka.RequireAll, nil
	case "none", "0":
		return kafka.RequireNone, nil
	case "one", "1":
		return kafka.RequireOne, nil
	case "all", "-1":
		return kafka.RequireAll, nil
	default:
		return 0, &config.ConfigError{Field: "destination.kafka.requiredAcks", Message: fmt.Sprintf("unknown acks level %q", cfg.RequiredAcks)}
	}
}

func compression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, &config.ConfigError{Field: "destination.kafka.compression", Message: fmt.Sprintf("unknown codec %q", name)}
	}
}
