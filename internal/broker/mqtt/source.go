// Package mqtt is the subscription side of the bridge, built on the Eclipse
// Paho client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-kafka-bridge/config"
	"mqtt-kafka-bridge/internal/logger"
	"mqtt-kafka-bridge/internal/relay"
)

// disconnectQuiesce is how long Disconnect lets in-progress work finish, in
// milliseconds.
const disconnectQuiesce = 250

// subscribeFailure is the SUBACK return code for a refused filter.
const subscribeFailure = 0x80

var errNotConnected = errors.New("mqtt: not connected")

// ClientFactory creates the paho client for one connection attempt.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Source subscribes to the source broker. Paho's own reconnect logic is
// switched off: every connection is opened by the relay engine, and a lost
// connection is reported through the handler and never retried here.
type Source struct {
	broker    string
	clientID  string
	cfg       config.MQTTConfig
	manualAck bool
	logger    *logger.Logger
	newClient ClientFactory

	mu     sync.Mutex
	client mqtt.Client
	sess   *session
}

type SourceOption func(*Source)

// WithClientFactory replaces mqtt.NewClient, mainly for tests.
func WithClientFactory(f ClientFactory) SourceOption {
	return func(s *Source) { s.newClient = f }
}

// NewSource creates a source for cfg. Nothing connects until Open.
func NewSource(cfg *config.Config, log *logger.Logger, opts ...SourceOption) *Source {
	s := &Source{
		broker:    cfg.Bridge.SourceBroker,
		clientID:  cfg.Bridge.ClientID,
		cfg:       cfg.MQTT,
		manualAck: cfg.Delivery.Guarantee != config.AtMostOnce,
		logger:    log,
		newClient: mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects a fresh client whose callbacks all go to h.
func (s *Source) Open(ctx context.Context, h relay.Handler) error {
	sess := &session{handler: h, manualAck: s.manualAck, logger: s.logger}
	opts, err := s.clientOptions(sess)
	if err != nil {
		return err
	}

	client := s.newClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.sess = sess
	s.mu.Unlock()

	s.logger.Info("mqtt client connected", "broker", s.broker, "clientId", s.clientID)
	return nil
}

// Subscribe registers filter on the current connection at the configured QoS.
func (s *Source) Subscribe(ctx context.Context, filter string) error {
	s.mu.Lock()
	client, sess := s.client, s.sess
	s.mu.Unlock()
	if client == nil {
		return errNotConnected
	}
	if err := config.ValidateTopicFilter(filter); err != nil {
		return err
	}

	token := client.Subscribe(filter, s.cfg.QoS, sess.onMessage)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", filter, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == subscribeFailure {
				return fmt.Errorf("broker refused subscription to %s", topic)
			}
		}
	}

	sess.setFilter(filter)
	s.logger.Info("subscribed to topic", "topic", filter, "qos", s.cfg.QoS)
	return nil
}

// Close disconnects the current client, if any. A connection that already
// dropped is released without error.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	client, sess := s.client, s.sess
	s.client = nil
	s.sess = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	sess.close()
	s.logger.Info("disconnecting from mqtt broker", "broker", s.broker)

	done := make(chan struct{})
	go func() {
		client.Disconnect(disconnectQuiesce)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
