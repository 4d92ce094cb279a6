package mqtt

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-kafka-bridge/internal/broker"
	"mqtt-kafka-bridge/internal/logger"
	"mqtt-kafka-bridge/internal/relay"
)

// clientOptions builds the options for one connection. Auto reconnect and
// connect retry stay off; OrderMatters keeps message callbacks sequential so
// a blocked handler holds back delivery from the broker.
func (s *Source) clientOptions(sess *session) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetCleanSession(s.cfg.CleanSession).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(s.manualAck)

	opts.SetConnectionLostHandler(sess.onConnectionLost)
	opts.SetDefaultPublishHandler(sess.onUnrouted)

	tlsConfig, err := broker.NewTLSConfig(s.cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// session routes the callbacks of one paho client to the handler it was
// opened with.
type session struct {
	handler   relay.Handler
	manualAck bool
	logger    *logger.Logger

	mu     sync.RWMutex
	filter string
	closed bool // the client behind this session is gone
}

// close stops the session from acknowledging on its client. Late acks are
// dropped; the broker redelivers those messages to the next session.
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ackFunc wraps the paho delivery token. paho routes acks through a channel
// it closes when the connection ends, which can happen before the lost
// handler marks the session closed, so a send on that channel is recovered.
func (s *session) ackFunc(msg mqtt.Message) func() {
	return func() {
		if s.isClosed() {
			s.logger.Debug("dropping ack for closed connection", "topic", msg.Topic(), "messageId", msg.MessageID())
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.logger.Debug("dropping ack for closed connection",
					"topic", msg.Topic(),
					"messageId", msg.MessageID(),
					"panic", r)
			}
		}()
		msg.Ack()
	}
}

func (s *session) setFilter(filter string) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

// onUnrouted receives publishes that match no subscription made on this
// client. A persistent session can still carry subscriptions from an
// earlier run; those messages are acknowledged and skipped.
func (s *session) onUnrouted(c mqtt.Client, msg mqtt.Message) {
	s.mu.RLock()
	filter := s.filter
	s.mu.RUnlock()

	if filter != "" && broker.MatchTopic(filter, msg.Topic()) {
		s.onMessage(c, msg)
		return
	}
	s.logger.Debug("skipping message outside subscription", "topic", msg.Topic(), "filter", filter)
	s.ackFunc(msg)()
}

func (s *session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling mqtt message",
				"topic", msg.Topic(),
				"panic", r)
		}
	}()

	if msg.Duplicate() {
		s.logger.Debug("redelivered message", "topic", msg.Topic(), "messageId", msg.MessageID())
	}

	in := relay.InboundMessage{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		MessageID: msg.MessageID(),
		Duplicate: msg.Duplicate(),
	}
	if s.manualAck {
		in.Ack = s.ackFunc(msg)
	}
	s.handler.HandleMessage(in)
}

func (s *session) onConnectionLost(_ mqtt.Client, err error) {
	s.close()
	s.logger.Warn("mqtt connection lost", "error", err)
	s.handler.HandleConnectionLost(err)
}

// waitToken waits for t to complete or ctx to end.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
