// Package nats delivers relayed records to a NATS JetStream stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	"mqtt-kafka-bridge/config"
	"mqtt-kafka-bridge/internal/logger"
	"mqtt-kafka-bridge/internal/relay"
)

// HeaderMQTTTopic carries the origin MQTT topic of each record.
const HeaderMQTTTopic = "Mqtt-Topic"

// jetStream is the part of nats.JetStreamContext the sink uses.
type jetStream interface {
	PublishMsgAsync(m *nats.Msg, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
	StreamNameBySubject(subject string, opts ...nats.JSOpt) (string, error)
}

type connection interface {
	Drain() error
	Close()
}

type connector func(ctx context.Context, s *Sink) (connection, jetStream, error)

// Sink publishes records to JetStream asynchronously. The nats client keeps
// the connection alive on its own and buffers while reconnecting.
type Sink struct {
	urls       []string
	subject    string
	clientID   string
	cfg        config.NATSConfig
	maxPending int
	logger     *logger.Logger
	connect    connector

	mu   sync.RWMutex
	conn connection
	js   jetStream
}

type SinkOption func(*Sink)

func withConnector(c connector) SinkOption {
	return func(s *Sink) { s.connect = c }
}

func NewSink(cfg *config.Config, log *logger.Logger, opts ...SinkOption) *Sink {
	s := &Sink{
		urls:       cfg.Bridge.DestinationBrokers,
		subject:    publishSubject(cfg.Bridge.DestinationTopic),
		clientID:   cfg.Bridge.ClientID,
		cfg:        cfg.Destination.NATS,
		maxPending: cfg.Delivery.MaxInFlight,
		logger:     log,
		connect:    dialJetStream,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects and checks that a stream captures the destination subject.
func (s *Sink) Open(ctx context.Context) error {
	conn, js, err := s.connect(ctx, s)
	if err != nil {
		return err
	}

	stream, err := js.StreamNameBySubject(s.subject, nats.Context(ctx))
	if err != nil {
		conn.Close()
		if errors.Is(err, nats.ErrNoMatchingStream) {
			return fmt.Errorf("no stream captures subject %s: %w", s.subject, err)
		}
		return fmt.Errorf("failed to look up stream for %s: %w", s.subject, err)
	}

	s.mu.Lock()
	s.conn, s.js = conn, js
	s.mu.Unlock()

	s.logger.Info("connected to NATS server", "urls", s.urls, "subject", s.subject, "stream", stream)
	return nil
}

// Publish sends rec without waiting for the stream acknowledgment.
func (s *Sink) Publish(ctx context.Context, rec relay.OutboundRecord) <-chan error {
	ack := make(chan error, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.js == nil {
		ack <- relay.ErrSinkClosed
		return ack
	}

	subject := s.subject
	if rec.Topic != "" {
		subject = publishSubject(rec.Topic)
	}
	msg := nats.NewMsg(subject)
	msg.Data = rec.Payload
	msg.Header.Set(HeaderMQTTTopic, rec.Key)

	future, err := s.js.PublishMsgAsync(msg)
	if err != nil {
		ack <- err
		return ack
	}

	go func() {
		select {
		case <-future.Ok():
			ack <- nil
		case err := <-future.Err():
			ack <- err
		case <-ctx.Done():
			ack <- ctx.Err()
		}
	}()
	return ack
}

// Close waits for outstanding acknowledgments, bounded by ctx, then drains
// the connection.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	conn, js := s.conn, s.js
	s.conn, s.js = nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.logger.Info("disconnecting from NATS server")

	var waitErr error
	select {
	case <-js.PublishAsyncComplete():
	case <-ctx.Done():
		waitErr = fmt.Errorf("pending acknowledgments: %w", ctx.Err())
	}

	if err := conn.Drain(); err != nil {
		conn.Close()
		return multierr.Combine(waitErr, fmt.Errorf("failed to drain NATS connection: %w", err))
	}
	return waitErr
}

func (s *Sink) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(s.clientID),
		nats.Timeout(s.cfg.ConnectTimeout),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Error("disconnected from NATS server", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("reconnected to NATS server", "url", nc.ConnectedUrl())
		}),
	}

	if s.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}
	if s.cfg.TLS.Enable {
		opts = append(opts, nats.ClientCert(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile))
		if s.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(s.cfg.TLS.CAFile))
		}
	}
	return opts
}

func dialJetStream(ctx context.Context, s *Sink) (connection, jetStream, error) {
	if len(s.urls) == 0 {
		return nil, nil, fmt.Errorf("no NATS server URLs provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	nc, err := nats.Connect(strings.Join(s.urls, ","), s.options()...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(s.maxPending))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}
